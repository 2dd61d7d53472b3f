package pipeline

import "sync"

// pairKey идентифицирует пару (подписка, сообщение) в пределах чата.
type pairKey struct {
	subscriptionID int64
	messageID      int
	chatID         int64
}

// inflightSet — процессный набор пар, находящихся на LLM-проверке прямо
// сейчас. Журнал анализов защищает от повторов между рестартами, набор — от
// гонки двух конкурентных прогонов внутри процесса (живой поток против
// прогрева истории), когда ни один ещё не успел записать анализ.
type inflightSet struct {
	mu   sync.Mutex
	held map[pairKey]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{held: make(map[pairKey]struct{})}
}

// TryAcquire пытается захватить пару. false — пара уже в работе.
func (s *inflightSet) TryAcquire(key pairKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.held[key]; busy {
		return false
	}
	s.held[key] = struct{}{}
	return true
}

// Release освобождает пару.
func (s *inflightSet) Release(key pairKey) {
	s.mu.Lock()
	delete(s.held, key)
	s.mu.Unlock()
}

// Len возвращает число пар в работе (для операторской сводки).
func (s *inflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}
