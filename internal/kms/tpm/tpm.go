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

// Package tpm wraps the TPM 2.0 commands the KMS needs: persistent handle
// enumeration, a persisted storage primary, RSA-OAEP child keys, and
// encrypt/decrypt with those keys. A Device is not safe for concurrent use;
// callers serialize access.
package tpm

import (
	"errors"
	"fmt"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/tcp"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
)

// Mode selects how the TPM is reached.
type Mode string

const (
	// ModeDevice opens a character device such as /dev/tpmrm0.
	ModeDevice Mode = "device"

	// ModeSWTPM connects to swtpm over TCP.
	ModeSWTPM Mode = "swtpm"

	// ModeSimulator runs the embedded simulator. State is lost on Close.
	ModeSimulator Mode = "simulator"
)

const (
	// PersistentFirst is the first owner persistent handle.
	PersistentFirst uint32 = 0x81000000

	// PersistentLast is the last owner persistent handle.
	PersistentLast uint32 = 0x817FFFFF

	// TransientFirst and TransientLast bound the transient object handles.
	TransientFirst uint32 = 0x80000000
	TransientLast  uint32 = 0x80FFFFFF

	// capabilityPage bounds one GetCapability call.
	capabilityPage = 64

	simulatorSeed = 1234567890
)

var (
	// ErrInvalidConfig is returned by Open for unusable settings.
	ErrInvalidConfig = errors.New("tpm: invalid configuration")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tpm: device closed")
)

// Config describes the TPM connection.
type Config struct {
	Mode       Mode
	DevicePath string

	// Host and Port locate swtpm. The platform port is Port+1.
	Host string
	Port int
}

// Device issues TPM commands over one transport.
type Device struct {
	tpm transport.TPMCloser
	log logger.Logger
}

// Open connects to the TPM named by cfg.
func Open(cfg Config, log logger.Logger) (*Device, error) {
	if log == nil {
		log = logger.NewNop()
	}

	var conn transport.TPMCloser
	switch cfg.Mode {
	case ModeDevice, "":
		path := cfg.DevicePath
		if path == "" {
			path = "/dev/tpmrm0"
		}
		t, err := transport.OpenTPM(path)
		if err != nil {
			return nil, fmt.Errorf("tpm: open device %s: %w", path, err)
		}
		conn = t

	case ModeSWTPM:
		if cfg.Host == "" || cfg.Port <= 0 {
			return nil, fmt.Errorf("%w: swtpm requires host and port", ErrInvalidConfig)
		}
		cmdAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		platAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port+1)
		t, err := tcp.Open(tcp.Config{
			CommandAddress:  cmdAddr,
			PlatformAddress: platAddr,
		})
		if err != nil {
			return nil, fmt.Errorf("tpm: connect to swtpm at %s (platform: %s): %w", cmdAddr, platAddr, err)
		}
		conn = t

	case ModeSimulator:
		sim, err := simulator.GetWithFixedSeedInsecure(simulatorSeed)
		if err != nil {
			return nil, fmt.Errorf("tpm: open embedded simulator: %w", err)
		}
		conn = &simulatorCloser{sim: sim, transport: transport.FromReadWriter(sim)}
		log.Warn("using the embedded TPM simulator; keys do not survive a restart")

	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}

	log.Info("connected to TPM", logger.String("mode", string(cfg.Mode)))
	return New(conn, log), nil
}

// New wraps an open transport.
func New(conn transport.TPMCloser, log logger.Logger) *Device {
	if log == nil {
		log = logger.NewNop()
	}
	return &Device{tpm: conn, log: log}
}

type simulatorCloser struct {
	sim       *simulator.Simulator
	transport transport.TPM
}

func (s *simulatorCloser) Send(input []byte) ([]byte, error) {
	return s.transport.Send(input)
}

func (s *simulatorCloser) Close() error {
	return s.sim.Close()
}

// Object is a loaded TPM object.
type Object struct {
	Handle tpm2.TPMHandle
	Name   tpm2.TPM2BName
}

// PersistentHandles lists loaded handles in [first, last]. Any handle type
// can be listed, not only persistent ones.
func (d *Device) PersistentHandles(first, last uint32) ([]uint32, error) {
	if d.tpm == nil {
		return nil, ErrClosed
	}
	var out []uint32
	next := first
	for {
		rsp, err := tpm2.GetCapability{
			Capability:    tpm2.TPMCapHandles,
			Property:      next,
			PropertyCount: capabilityPage,
		}.Execute(d.tpm)
		if err != nil {
			return nil, fmt.Errorf("tpm: get handles: %w", err)
		}
		handles, err := rsp.CapabilityData.Data.Handles()
		if err != nil {
			return nil, fmt.Errorf("tpm: parse handle list: %w", err)
		}
		if len(handles.Handle) == 0 {
			return out, nil
		}
		for _, h := range handles.Handle {
			v := uint32(h)
			if v > last {
				return out, nil
			}
			out = append(out, v)
		}
		if !rsp.MoreData {
			return out, nil
		}
		next = uint32(handles.Handle[len(handles.Handle)-1]) + 1
	}
}

// CreateStoragePrimary creates a transient RSA storage key under the owner
// hierarchy. The caller flushes it.
func (d *Device) CreateStoragePrimary() (*Object, error) {
	if d.tpm == nil {
		return nil, ErrClosed
	}
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(tpm2.RSASRKTemplate),
	}.Execute(d.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: create primary: %w", err)
	}
	d.log.Debug("created storage primary", logger.Handle("handle", uint32(rsp.ObjectHandle)))
	return &Object{Handle: rsp.ObjectHandle, Name: rsp.Name}, nil
}

// Persist copies obj to the persistent handle. obj stays loaded.
func (d *Device) Persist(obj *Object, handle uint32) error {
	if d.tpm == nil {
		return ErrClosed
	}
	_, err := tpm2.EvictControl{
		Auth: tpm2.TPMRHOwner,
		ObjectHandle: &tpm2.NamedHandle{
			Handle: obj.Handle,
			Name:   obj.Name,
		},
		PersistentHandle: tpm2.TPMHandle(handle),
	}.Execute(d.tpm)
	if err != nil {
		return fmt.Errorf("tpm: persist to 0x%08x: %w", handle, err)
	}
	d.log.Debug("persisted object", logger.Handle("handle", handle))
	return nil
}

// Unpersist evicts the object at a persistent handle.
func (d *Device) Unpersist(handle uint32) error {
	if d.tpm == nil {
		return ErrClosed
	}
	name, err := d.name(handle)
	if err != nil {
		return err
	}
	_, err = tpm2.EvictControl{
		Auth: tpm2.TPMRHOwner,
		ObjectHandle: &tpm2.NamedHandle{
			Handle: tpm2.TPMHandle(handle),
			Name:   name,
		},
		PersistentHandle: tpm2.TPMHandle(handle),
	}.Execute(d.tpm)
	if err != nil {
		return fmt.Errorf("tpm: evict 0x%08x: %w", handle, err)
	}
	return nil
}

// childTemplate is an unrestricted RSA-2048 decryption key with no scheme,
// so OAEP can be chosen per call.
var childTemplate = tpm2.TPMTPublic{
	Type:    tpm2.TPMAlgRSA,
	NameAlg: tpm2.TPMAlgSHA256,
	ObjectAttributes: tpm2.TPMAObject{
		FixedTPM:            true,
		FixedParent:         true,
		SensitiveDataOrigin: true,
		UserWithAuth:        true,
		Decrypt:             true,
	},
	Parameters: tpm2.NewTPMUPublicParms(
		tpm2.TPMAlgRSA,
		&tpm2.TPMSRSAParms{
			Scheme: tpm2.TPMTRSAScheme{
				Scheme: tpm2.TPMAlgNull,
			},
			KeyBits: 2048,
		},
	),
}

// CreateRSAKey creates a child decryption key under the persistent parent
// and returns its marshaled private and public areas.
func (d *Device) CreateRSAKey(parent uint32) (private, public []byte, err error) {
	if d.tpm == nil {
		return nil, nil, ErrClosed
	}
	name, err := d.name(parent)
	if err != nil {
		return nil, nil, err
	}
	rsp, err := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(parent),
			Name:   name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(childTemplate),
	}.Execute(d.tpm)
	if err != nil {
		return nil, nil, fmt.Errorf("tpm: create child key: %w", err)
	}
	return tpm2.Marshal(rsp.OutPrivate), tpm2.Marshal(rsp.OutPublic), nil
}

// EncryptOAEP encrypts msg with RSA-OAEP/SHA-256 under a public area
// returned by CreateRSAKey.
func (d *Device) EncryptOAEP(public, msg []byte) ([]byte, error) {
	if d.tpm == nil {
		return nil, ErrClosed
	}
	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](public)
	if err != nil {
		return nil, fmt.Errorf("tpm: decode public area: %w", err)
	}
	loaded, err := tpm2.LoadExternal{
		Hierarchy: tpm2.TPMRHNull,
		InPublic:  *pub,
	}.Execute(d.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: load external key: %w", err)
	}
	defer d.Flush(loaded.ObjectHandle)

	rsp, err := tpm2.RSAEncrypt{
		KeyHandle: tpm2.NamedHandle{
			Handle: loaded.ObjectHandle,
			Name:   loaded.Name,
		},
		Message:  tpm2.TPM2BPublicKeyRSA{Buffer: msg},
		InScheme: oaepScheme(),
	}.Execute(d.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: rsa encrypt: %w", err)
	}
	return rsp.OutData.Buffer, nil
}

// DecryptOAEP loads the child key under parent and decrypts ciphertext.
// The caller must wipe the result.
func (d *Device) DecryptOAEP(parent uint32, private, public, ciphertext []byte) ([]byte, error) {
	if d.tpm == nil {
		return nil, ErrClosed
	}
	priv, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](private)
	if err != nil {
		return nil, fmt.Errorf("tpm: decode private area: %w", err)
	}
	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](public)
	if err != nil {
		return nil, fmt.Errorf("tpm: decode public area: %w", err)
	}
	name, err := d.name(parent)
	if err != nil {
		return nil, err
	}

	loaded, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(parent),
			Name:   name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPrivate: *priv,
		InPublic:  *pub,
	}.Execute(d.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: load child key: %w", err)
	}
	defer d.Flush(loaded.ObjectHandle)

	rsp, err := tpm2.RSADecrypt{
		KeyHandle: tpm2.AuthHandle{
			Handle: loaded.ObjectHandle,
			Name:   loaded.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		CipherText: tpm2.TPM2BPublicKeyRSA{Buffer: ciphertext},
		InScheme:   oaepScheme(),
	}.Execute(d.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: rsa decrypt: %w", err)
	}
	return rsp.Message.Buffer, nil
}

// Flush releases a transient handle. Errors are logged, not returned.
func (d *Device) Flush(handle tpm2.TPMHandle) {
	if d.tpm == nil {
		return
	}
	if _, err := (tpm2.FlushContext{FlushHandle: handle}).Execute(d.tpm); err != nil {
		d.log.Warn("flush failed", logger.Handle("handle", uint32(handle)), logger.Error(err))
	}
}

// Close closes the transport.
func (d *Device) Close() error {
	if d.tpm == nil {
		return nil
	}
	err := d.tpm.Close()
	d.tpm = nil
	return err
}

func (d *Device) name(handle uint32) (tpm2.TPM2BName, error) {
	rsp, err := tpm2.ReadPublic{ObjectHandle: tpm2.TPMHandle(handle)}.Execute(d.tpm)
	if err != nil {
		return tpm2.TPM2BName{}, fmt.Errorf("tpm: read public 0x%08x: %w", handle, err)
	}
	return rsp.Name, nil
}

func oaepScheme() tpm2.TPMTRSADecrypt {
	return tpm2.TPMTRSADecrypt{
		Scheme: tpm2.TPMAlgOAEP,
		Details: tpm2.NewTPMUAsymScheme(
			tpm2.TPMAlgOAEP,
			&tpm2.TPMSEncSchemeOAEP{
				HashAlg: tpm2.TPMAlgSHA256,
			},
		),
	}
}
