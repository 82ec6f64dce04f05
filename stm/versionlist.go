package stm

import "sync"

// versionList отслеживает, какие read-stamp'ы используются живыми
// транзакциями, чтобы можно было тримминговать устаревшие версии ячеек.
// Обобщение teacher-овского MVCCMap.activeTxs: там это была карта
// метаданных транзакций внутри одной карты, здесь — самостоятельный
// компонент, общий для всех Cell рантайма.
type versionList struct {
	mu      sync.Mutex
	entries map[uint64]int64 // stamp -> refcount
}

func newVersionList() *versionList {
	return &versionList{entries: make(map[uint64]int64)}
}

// acquire регистрирует держателя read-stamp'а stamp, создавая запись при
// необходимости.
func (vl *versionList) acquire(stamp uint64) {
	vl.mu.Lock()
	vl.entries[stamp]++
	vl.mu.Unlock()
}

// release уменьшает refcount для stamp; при достижении нуля запись
// удаляется.
func (vl *versionList) release(stamp uint64) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	n, ok := vl.entries[stamp]
	if !ok {
		return
	}
	if n <= 1 {
		delete(vl.entries, stamp)
		return
	}
	vl.entries[stamp] = n - 1
}

// min возвращает наименьший активный stamp, либо fallback, если активных
// транзакций нет.
func (vl *versionList) min(fallback uint64) uint64 {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	min := fallback
	first := true
	for stamp := range vl.entries {
		if first || stamp < min {
			min = stamp
			first = false
		}
	}
	return min
}

// count возвращает число различных активных stamp'ов — используется в
// Stats() и тестах на утечки.
func (vl *versionList) count() int {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return len(vl.entries)
}
