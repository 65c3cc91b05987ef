package testserver

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// ErrNotFound is returned for unknown product IDs.
var ErrNotFound = errors.New("product not found")

// Product is a catalog entry.
type Product struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// store keeps products in memory in insertion order.
type store struct {
	mu     sync.RWMutex
	items  map[string]Product
	order  []string
	nextID int
}

func newStore(seed int) *store {
	s := &store{items: make(map[string]Product, seed), nextID: 1}
	for i := 1; i <= seed; i++ {
		s.create(fmt.Sprintf("Product %d", i), int64(100*i))
	}
	return s
}

func (s *store) list() []Product {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Product, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

func (s *store) get(id string) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.items[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (s *store) create(name string, price int64) Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Product{ID: strconv.Itoa(s.nextID), Name: name, Price: price}
	s.nextID++
	s.items[p.ID] = p
	s.order = append(s.order, p.ID)
	return p
}

func (s *store) update(id string, fn func(*Product)) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.items[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	fn(&p)
	s.items[id] = p
	return p, nil
}

func (s *store) delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
