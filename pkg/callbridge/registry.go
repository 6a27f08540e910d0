package callbridge

import "sync"

// DialRegistry remembers which candidate each outbound call concerns. The
// telephony provider echoes the call SID in the voice webhook, which is
// where the candidate id re-enters the process.
type DialRegistry struct {
	mu         sync.Mutex
	candidates map[string]string
}

func NewDialRegistry() *DialRegistry {
	return &DialRegistry{candidates: make(map[string]string)}
}

func (r *DialRegistry) Register(callSID, candidateID string) {
	if callSID == "" {
		return
	}
	r.mu.Lock()
	r.candidates[callSID] = candidateID
	r.mu.Unlock()
}

// Resolve returns the candidate for a call, or empty for calls this
// process did not place.
func (r *DialRegistry) Resolve(callSID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.candidates[callSID]
}

func (r *DialRegistry) Forget(callSID string) {
	r.mu.Lock()
	delete(r.candidates, callSID)
	r.mu.Unlock()
}
