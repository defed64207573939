// Package events implementa um subject tipado: cada Topic carrega um único tipo de
// payload, então o contrato entre quem publica e quem escuta é checado em compilação.
package events

import (
	"slices"
	"sync"
)

// Topic distribui valores do tipo T para os listeners registrados.
// O valor zero está pronto para uso.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(T)
}

// Subscribe registra fn e retorna a função que remove o registro.
// Chamar o unsubscribe mais de uma vez é seguro.
func (t *Topic[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}

	t.mu.Lock()
	if t.subs == nil {
		t.subs = make(map[uint64]func(T))
	}
	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Publish entrega v para todos os listeners, de forma síncrona e em ordem de registro.
// Os listeners rodam fora do lock, então podem (des)registrar outros listeners.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	if len(t.subs) == 0 {
		t.mu.RUnlock()
		return
	}
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	fns := make(map[uint64]func(T), len(t.subs))
	for id, fn := range t.subs {
		fns[id] = fn
	}
	t.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		fns[id](v)
	}
}

// Len retorna o número de listeners ativos
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
