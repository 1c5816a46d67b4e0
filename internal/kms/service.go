// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-envelope.
//
// go-envelope is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package kms is the KEK lifecycle service. It provisions KEKs sealed to
// the TPM and uses them to wrap and unwrap DEKs for remote providers.
//
// Each KEK is a 32-byte AES key encrypted with RSA-OAEP under a TPM child
// key. The child's parent is a storage primary persisted at a randomly
// chosen owner handle, so recovering a KEK requires the TPM that created
// it. Every TPM command sequence runs under one mutex.
package kms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-envelope/internal/kms/idgen"
	"github.com/jeremyhahn/go-envelope/internal/kms/store"
	"github.com/jeremyhahn/go-envelope/internal/kms/tpm"
	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
	"github.com/jeremyhahn/go-envelope/pkg/crypto/aesgcm"
	"github.com/jeremyhahn/go-envelope/pkg/dek"
	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/metrics"
	"github.com/jeremyhahn/go-envelope/pkg/securebuf"
)

// TPM is the device surface the service uses. *tpm.Device implements it.
type TPM interface {
	HandleLister
	CreateStoragePrimary() (*tpm.Object, error)
	Persist(obj *tpm.Object, handle uint32) error
	Unpersist(handle uint32) error
	CreateRSAKey(parent uint32) (private, public []byte, err error)
	EncryptOAEP(public, msg []byte) ([]byte, error)
	DecryptOAEP(parent uint32, private, public, ciphertext []byte) ([]byte, error)
	Flush(handle tpm2.TPMHandle)
	Close() error
}

// WrapResult is a DEK sealed under a KEK.
type WrapResult struct {
	Ciphertext []byte
	Nonce      [aesgcm.NonceSize]byte
	Tag        [aesgcm.TagSize]byte
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithHandleRange restricts persistent handle allocation to [first, last].
func WithHandleRange(first, last uint32) Option {
	return func(s *Service) {
		s.handles.first, s.handles.last = first, last
	}
}

// WithMaxHandleAttempts bounds the random handle search.
func WithMaxHandleAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.handles.maxAttempts = n
		}
	}
}

// WithKEKSource sets where new KEK material comes from. The default is
// RandomSource.
func WithKEKSource(src KEKSource) Option {
	return func(s *Service) { s.source = src }
}

// WithRandom sets the randomness used for AES-GCM nonces.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.gcm = aesgcm.New(r) }
}

// Service provisions KEKs and wraps DEKs with them.
type Service struct {
	// mu serializes every TPM command sequence.
	mu  sync.Mutex
	tpm TPM

	store   store.Store
	ids     idgen.Generator
	source  KEKSource
	handles handleAllocator
	gcm     *aesgcm.AESGCM
	log     logger.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a service over an open TPM, a store and an id generator.
// The service owns the TPM and the store and closes them on Close.
func New(t TPM, st store.Store, ids idgen.Generator, opts ...Option) (*Service, error) {
	if t == nil || st == nil || ids == nil {
		return nil, fmt.Errorf("%w: TPM, store and id generator are required", ErrInvalidRequest)
	}
	s := &Service{
		tpm:     t,
		store:   st,
		ids:     ids,
		source:  NewRandomSource(nil),
		handles: newHandleAllocator(0, 0, 0),
		gcm:     aesgcm.New(nil),
		log:     logger.NewNop(),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.handles.validate(); err != nil {
		return nil, err
	}
	s.log.Info("KMS service ready",
		logger.String("kek_source", s.source.Name()),
		logger.Handle("handle_first", s.handles.first),
		logger.Handle("handle_last", s.handles.last))
	return s, nil
}

func (s *Service) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// InitKEK provisions a new KEK and returns its id. The KEK is encrypted
// under a new TPM child key whose parent is persisted at a free handle.
func (s *Service) InitKEK(ctx context.Context) (id string, err error) {
	start := time.Now()
	defer func() { s.record(metrics.OpInitKEK, start, err) }()

	if s.isClosed() {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id = s.ids.Next()

	material, err := s.source.NewKEK()
	if err != nil {
		return "", err
	}
	defer material.Destroy()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	alloc, err := s.handles.pick(s.tpm)
	metrics.RecordHandleAllocation(alloc.attempts, alloc.inUse)
	if err != nil {
		return "", err
	}
	handle := alloc.handle

	primary, err := s.tpm.CreateStoragePrimary()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTPM, err)
	}
	defer s.tpm.Flush(primary.Handle)

	if err := s.tpm.Persist(primary, handle); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTPM, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if evictErr := s.tpm.Unpersist(handle); evictErr != nil {
			s.log.ErrorContext(ctx, "failed to release persistent handle after provisioning error",
				logger.Handle("handle", handle), logger.Error(evictErr))
		}
	}()

	private, public, err := s.tpm.CreateRSAKey(handle)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTPM, err)
	}

	wrapped, err := s.tpm.EncryptOAEP(public, material.Bytes())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTPM, err)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	row := &store.StoredKEK{
		ID:               id,
		WrappedKEK:       wrapped,
		PersistentHandle: handle,
		WrappedPrivKey:   private,
		WrappedPubKey:    public,
	}
	if err := s.store.Insert(ctx, row); err != nil {
		return "", fmt.Errorf("kms: persist KEK %s: %w", id, err)
	}

	s.log.InfoContext(ctx, "provisioned KEK",
		logger.String("kek_id", id),
		logger.Handle("handle", handle),
		logger.Int("handle_attempts", alloc.attempts))
	return id, nil
}

// WrapDEK seals dekBytes under the KEK kekID, binding name. The caller
// keeps ownership of dekBytes.
func (s *Service) WrapDEK(ctx context.Context, kekID string, dekBytes []byte, name string) (res *WrapResult, err error) {
	start := time.Now()
	defer func() { s.record(metrics.OpWrap, start, err) }()

	if len(dekBytes) != dek.Size {
		return nil, fmt.Errorf("%w: DEK must be %d bytes", ErrInvalidRequest, dek.Size)
	}
	key, err := s.recoverKEK(ctx, kekID)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	sealed, err := s.gcm.Seal(key.Bytes(), dekBytes, kek.AssociatedData(name))
	if err != nil {
		return nil, fmt.Errorf("kms: wrap DEK: %w", err)
	}
	s.log.DebugContext(ctx, "wrapped DEK", logger.String("kek_id", kekID))
	return &WrapResult{Ciphertext: sealed.Ciphertext, Nonce: sealed.Nonce, Tag: sealed.Tag}, nil
}

// UnwrapDEK opens a DEK wrapped by WrapDEK for the same KEK and name. The
// caller must Destroy the returned buffer.
func (s *Service) UnwrapDEK(ctx context.Context, kekID string, wrapped []byte, nonce [aesgcm.NonceSize]byte, tag [aesgcm.TagSize]byte, name string) (out *securebuf.Buffer, err error) {
	start := time.Now()
	defer func() { s.record(metrics.OpUnwrap, start, err) }()

	key, err := s.recoverKEK(ctx, kekID)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	out, err = securebuf.New(len(wrapped))
	if err != nil {
		return nil, err
	}
	dst, err := out.Mutable()
	if err == nil {
		err = s.gcm.OpenInto(dst, key.Bytes(), wrapped, nonce, tag, kek.AssociatedData(name))
	}
	if err != nil {
		out.Destroy()
		s.log.WarnContext(ctx, "DEK failed authentication", logger.String("kek_id", kekID))
		return nil, ErrAuthentication
	}
	return out, nil
}

// recoverKEK decrypts the stored KEK with its TPM child key.
func (s *Service) recoverKEK(ctx context.Context, kekID string) (*securebuf.Buffer, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if kekID == "" {
		return nil, fmt.Errorf("%w: KEK id is required", ErrInvalidRequest)
	}
	row, err := s.store.Get(ctx, kekID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKEKNotFound, kekID)
	}
	if err != nil {
		return nil, fmt.Errorf("kms: load KEK %s: %w", kekID, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Only the TPM sequence is serialized; the store and GCM are safe for
	// concurrent use.
	s.mu.Lock()
	raw, err := s.tpm.DecryptOAEP(row.PersistentHandle, row.WrappedPrivKey, row.WrappedPubKey, row.WrappedKEK)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: recover KEK %s: %v", ErrTPM, kekID, err)
	}

	key, err := securebuf.FromBytes(raw)
	if err != nil {
		return nil, err
	}
	if key.Len() != aesgcm.KeySize {
		key.Destroy()
		return nil, fmt.Errorf("%w: KEK %s has unexpected length", ErrTPM, kekID)
	}
	return key, nil
}

// Status reports liveness. It changes no state.
func (s *Service) Status(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.record(metrics.OpStatus, start, err) }()

	if s.isClosed() {
		return ErrClosed
	}
	return ctx.Err()
}

// Close releases the TPM and the store. In-flight TPM sequences finish
// first.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		err = errors.Join(s.tpm.Close(), s.store.Close())
		if d, ok := s.source.(interface{ Destroy() }); ok {
			d.Destroy()
		}
	})
	return err
}

func (s *Service) record(op string, start time.Time, err error) {
	metrics.RecordOperation(op, metrics.StatusOf(err), time.Since(start).Seconds())
	if err != nil {
		metrics.RecordError(op, errorType(err))
	}
}
