package notify

import (
	"context"
	"sync"
)

// Recorder keeps every request in memory.
type Recorder struct {
	templates
	mu   sync.Mutex
	reqs []Request
}

func NewRecorder() *Recorder {
	r := &Recorder{}
	r.templates = templates{s: r}
	return r
}

func (r *Recorder) send(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, len(r.reqs))
	copy(out, r.reqs)
	return out
}

// OfKind filters the recorded requests.
func (r *Recorder) OfKind(kind Kind) []Request {
	var out []Request
	for _, req := range r.Requests() {
		if req.Kind == kind {
			out = append(out, req)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = nil
}
