package stm

import (
	"log/slog"
	"os"
	"time"
)

// config собирает настройки одного Runtime. Функциональные опции — тот же
// приём, что в teacher-овском options.go (config + type Option func(*config)).
type config struct {
	logger *slog.Logger

	spinCount int

	trimEvery uint64 // раз в сколько коммитов запускать попутный тримминг

	commitRetryBase time.Duration
	commitRetryMax  time.Duration
}

func defaultConfig() config {
	return config{
		logger:          slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
		spinCount:       40,
		trimEvery:       16,
		commitRetryBase: 50 * time.Microsecond,
		commitRetryMax:  5 * time.Millisecond,
	}
}

// Option настраивает Runtime при создании через NewRuntime.
type Option func(*config)

// WithLogger задаёт логгер рантайма (по умолчанию — slog в stderr с
// уровнем Warn, как у teacher-овского defaultConfig).
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithSpinCount задаёт число холостых проходов планировщика перед
// парковкой читателя на заблокированной ячейке (§4.3, открытый вопрос о
// политике ожидания — решено в пользу короткого спина, см. DESIGN.md).
func WithSpinCount(n int) Option {
	return func(c *config) {
		if n < 0 {
			n = 0
		}
		c.spinCount = n
	}
}

// WithTrimEvery задаёт, раз в сколько успешных коммитов рантайм выполняет
// попутный тримминг версий затронутых ячеек (§4.1).
func WithTrimEvery(n uint64) Option {
	return func(c *config) {
		if n == 0 {
			n = 1
		}
		c.trimEvery = n
	}
}

// WithCommitRetryBackoff задаёт базовую и максимальную паузу экспоненциальной
// задержки между повторами транзакции после конфликта коммита (§12 —
// добавлено сверх языконезависимой спецификации, чтобы повторные попытки
// под высоким конфликтом не жгли CPU впустую).
func WithCommitRetryBackoff(base, max time.Duration) Option {
	return func(c *config) {
		c.commitRetryBase = base
		c.commitRetryMax = max
	}
}
