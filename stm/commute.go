package stm

type commuteState int

const (
	commuteOk commuteState = iota
	commuteBroken
	commuteExecuted
)

// commuteRecord — одна отложенная коммутативная запись (§4.5). affecting
// хранит набор ячеек, чьё касание делает запись Broken; в этой реализации
// commute всегда однo-ячеечный, так что affecting всегда {cellID}, но
// структура оставлена как множество, поскольку деградация определена в
// терминах множеств, а не единичных ячеек.
type commuteRecord struct {
	cellID    uint64
	affecting map[uint64]struct{}
	state     commuteState
	strict    bool
	run       func(tc *txContext)
}

// degenerateFor реализует алгоритм деградации (§4.5 шаг 1): при первом
// касании ячейки c (или когда enforce_tracking взведён) помечает все Ok
// commute-записи, затрагивающие c, как Broken, и выполняет их по порядку в
// пределах текущего execution_limit. Рекурсивные вызовы (из самого тела
// commute) ограничены индексом, на котором остановился внешний вызов.
func (tc *txContext) degenerateFor(c enlistedCell) {
	if tc.blockCommute || len(tc.commutes) == 0 {
		return
	}
	cellID := c.cellID()

	changed := false
	for _, r := range tc.commutes {
		if r.state == commuteOk {
			if _, touches := r.affecting[cellID]; touches {
				r.state = commuteBroken
				changed = true
			}
		}
	}
	if !changed {
		return
	}

	outermost := !tc.inDegenerate
	tc.inDegenerate = true
	defer func() {
		if outermost {
			tc.inDegenerate = false
		}
	}()

	limit := len(tc.commutes)
	if tc.commuteTime >= 0 {
		limit = tc.commuteTime
	}
	prevCommuteTime := tc.commuteTime

	for i := 0; i < limit; i++ {
		r := tc.commutes[i]
		if r.state != commuteBroken {
			continue
		}
		tc.commuteTime = i
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					tc.removeAffecting(cellID)
					tc.commuteTime = prevCommuteTime
					panic(rec)
				}
			}()
			r.run(tc)
		}()
		r.state = commuteExecuted
	}
	tc.commuteTime = prevCommuteTime

	if outermost {
		kept := tc.commutes[:0]
		for _, r := range tc.commutes {
			if r.state != commuteExecuted {
				kept = append(kept, r)
			}
		}
		tc.commutes = kept
	}
}

// runIsolatedCommutes выполняет все ещё-не-деградировавшие commute-записи
// на момент коммита (§4.5 "Isolated commit-time execution", §4.6 "Commute
// phase"): свежий read_stamp, пустой enlisted-набор, блокировка
// рекурсивной деградации. Возвращает свежий read_stamp изолированной фазы и
// набор ID ячеек, которые она затронула — нужны commit-координатору для
// раздельной валидации (§4.6 шаг 5).
func (tc *txContext) runIsolatedCommutes() (stamp uint64, touched map[uint64]struct{}) {
	pending := false
	for _, r := range tc.commutes {
		if r.state == commuteOk {
			pending = true
			break
		}
	}
	if !pending {
		return 0, nil
	}

	savedEnlisted := tc.enlisted
	savedIdx := tc.enlistedIdx
	savedReadStamp := tc.readStamp
	savedEnforce := tc.enforceTracking
	savedBlockCommute := tc.blockCommute

	tc.enlisted = nil
	tc.enlistedIdx = make(map[uint64]int)
	tc.readStamp = tc.rt.clock.load()
	tc.enforceTracking = true
	tc.blockCommute = true

	for _, r := range tc.commutes {
		if r.state == commuteOk {
			r.run(tc)
			r.state = commuteExecuted
		}
	}

	isolatedStamp := tc.readStamp
	isolatedCells := tc.enlisted
	isolatedIdx := tc.enlistedIdx

	tc.enforceTracking = savedEnforce
	tc.blockCommute = savedBlockCommute
	tc.readStamp = savedReadStamp

	touched = make(map[uint64]struct{}, len(isolatedCells))
	for id := range isolatedIdx {
		if _, overlap := savedIdx[id]; overlap {
			abort(ErrInvalidCommute)
		}
		touched[id] = struct{}{}
	}

	merged := make([]enlistedCell, len(savedEnlisted), len(savedEnlisted)+len(isolatedCells))
	copy(merged, savedEnlisted)
	mergedIdx := make(map[uint64]int, len(savedIdx)+len(isolatedIdx))
	for id, i := range savedIdx {
		mergedIdx[id] = i
	}
	for _, c := range isolatedCells {
		if _, ok := mergedIdx[c.cellID()]; ok {
			continue
		}
		mergedIdx[c.cellID()] = len(merged)
		merged = append(merged, c)
	}

	tc.enlisted = merged
	tc.enlistedIdx = mergedIdx

	kept := tc.commutes[:0]
	for _, r := range tc.commutes {
		if r.state != commuteExecuted {
			kept = append(kept, r)
		}
	}
	tc.commutes = kept

	return isolatedStamp, touched
}
