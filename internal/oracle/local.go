package oracle

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/infravault/internal/ciphertext"
)

// Local is an in-process stand-in for the decryption oracle used in
// development and tests. It keeps a handle -> cleartext table (the
// "ciphertexts" it can decrypt), signs callbacks with its Signer, and
// either delivers them asynchronously to a registered Deliverer or keeps
// them for the caller to fetch with Prepared.
type Local struct {
	signer *Signer
	logger *slog.Logger

	mu       sync.Mutex
	values   map[ciphertext.Handle]uint64
	prepared map[RequestID]Callback
	nextID   uint64
	deliver  Deliverer

	wg sync.WaitGroup
}

// NewLocal creates a local oracle signing with signer.
func NewLocal(signer *Signer, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		signer:   signer,
		logger:   logger,
		values:   make(map[ciphertext.Handle]uint64),
		prepared: make(map[RequestID]Callback),
	}
}

// SetDeliverer switches the oracle to automatic delivery. Passing nil
// returns it to manual mode.
func (l *Local) SetDeliverer(d Deliverer) {
	l.mu.Lock()
	l.deliver = d
	l.mu.Unlock()
}

// Signer returns the key the local oracle signs proofs with.
func (l *Local) Signer() *Signer { return l.signer }

// Encrypt registers value under a fresh random handle.
func (l *Local) Encrypt(_ context.Context, value uint64) (ciphertext.Handle, error) {
	var b [ciphertext.HandleLength]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return ciphertext.Handle{}, fmt.Errorf("generate handle: %w", err)
		}
		h := ciphertext.FromBytes(b[:])
		if h.IsZero() {
			continue
		}
		l.mu.Lock()
		if _, taken := l.values[h]; taken {
			l.mu.Unlock()
			continue
		}
		l.values[h] = value
		l.mu.Unlock()
		return h, nil
	}
}

// RequestDecryption decrypts the handles, signs the result and either
// queues it for Prepared or delivers it on a new goroutine.
func (l *Local) RequestDecryption(ctx context.Context, req Request) (RequestID, error) {
	if !req.Route.Valid() {
		return "", fmt.Errorf("oracle: invalid route %q", req.Route)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	cleartexts := make([]uint64, len(req.Handles))
	for i, h := range req.Handles {
		v, ok := l.values[h]
		if !ok {
			l.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrUnknownHandle, h)
		}
		cleartexts[i] = v
	}
	l.nextID++
	id := RequestID(fmt.Sprintf("dec_%d", l.nextID))
	deliver := l.deliver
	l.mu.Unlock()

	sig, err := l.signer.Sign(id, req.Handles, cleartexts)
	if err != nil {
		return "", err
	}
	cb := Callback{
		RequestID:  id,
		Route:      req.Route,
		Cleartexts: cleartexts,
		Proof:      Proof{Signatures: []string{sig}},
	}

	if deliver == nil {
		l.mu.Lock()
		l.prepared[id] = cb
		l.mu.Unlock()
		return id, nil
	}

	// The callback must outlive the request that triggered it.
	deliverCtx := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := deliver(deliverCtx, cb); err != nil {
			l.logger.Warn("local oracle callback rejected",
				"oracle_request_id", string(id), "route", string(cb.Route), "error", err)
		}
	}()
	return id, nil
}

// Prepared returns (and forgets) the signed callback for a request made in
// manual mode.
func (l *Local) Prepared(id RequestID) (Callback, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cb, ok := l.prepared[id]
	if ok {
		delete(l.prepared, id)
	}
	return cb, ok
}

// Decrypt returns the cleartext behind a handle, for tests and tooling.
func (l *Local) Decrypt(h ciphertext.Handle) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.values[h]
	return v, ok
}

// Wait blocks until every in-flight automatic delivery has returned.
func (l *Local) Wait() {
	l.wg.Wait()
}

var (
	_ Client    = (*Local)(nil)
	_ Encryptor = (*Local)(nil)
)
