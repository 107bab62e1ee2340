// Package users is the credential store: a users.db of salted PBKDF2
// digests, permission bitsets, and per-user home directories, plus the
// anonymous login policy.
package users

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Permission is a bitset of operations a user is allowed to perform.
type Permission uint8

const (
	PermRead    Permission = 1 << 0
	PermWrite   Permission = 1 << 1
	PermDelete  Permission = 1 << 2
	PermRename  Permission = 1 << 3
	PermMakeDir Permission = 1 << 4
	PermRmDir   Permission = 1 << 5
	PermAdmin   Permission = 1 << 6
	PermAll     Permission = 0xFF
)

// Has reports whether p grants every bit in want.
func (p Permission) Has(want Permission) bool {
	return p&want == want
}

const (
	pbkdf2Iterations = 100000
	saltBytes        = 16
	digestBytes      = 32
)

// User is one entry of the credential store.
type User struct {
	Name        string
	salt        []byte
	digest      []byte
	Home        string
	Permissions Permission
}

// ErrNotFound is returned when a named user has no entry in the store.
var ErrNotFound = errors.New("users: no such user")

// ErrBadCredentials is returned by Authenticate on a password mismatch.
var ErrBadCredentials = errors.New("users: bad credentials")

// Store is a concurrency-safe, in-memory users.db, loaded from a flat
// file. Changes are not written back to that file.
type Store struct {
	mu       sync.RWMutex
	path     string
	byName    map[string]*User
	anon      *User
	anonOK    bool
	anonWrite bool
}

// Options configures anonymous access when building a Store.
type Options struct {
	AllowAnonymous bool
	AnonWritable   bool
	AnonHome       string
}

// LoadFile parses a users.db file. Each non-comment, non-blank line is
// either the current, salted 5-field record:
//
//	name:salt:digest:home:perm
//
// or the historical unsalted 4-field record:
//
//	name:digest:home:perm
//
// read for backward compatibility with a digest computed against an empty
// salt. perm is parsed with strconv.ParseUint(field, 0, 8), so both decimal
// ("31") and the historical "0x1F" form are accepted, in either record
// shape.
func LoadFile(path string, opts Options) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newStore(path, opts), nil
		}
		return nil, err
	}
	defer f.Close()
	return Load(f, path, opts)
}

// Load parses a users.db from an arbitrary reader and records path on the
// resulting Store; the Store never writes to path.
func Load(r io.Reader, path string, opts Options) (*Store, error) {
	s := newStore(path, opts)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("users: %s:%d: %w", path, lineNo, err)
		}
		s.byName[u.Name] = u
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(path string, opts Options) *Store {
	s := &Store{
		path:      path,
		byName:    make(map[string]*User),
		anonOK:    opts.AllowAnonymous,
		anonWrite: opts.AnonWritable,
	}
	if opts.AllowAnonymous {
		home := opts.AnonHome
		if home == "" {
			home = "/"
		}
		perm := PermRead
		if opts.AnonWritable {
			perm |= PermWrite | PermMakeDir | PermDelete | PermRename | PermRmDir
		}
		s.anon = &User{Name: "anonymous", Home: home, Permissions: perm}
	}
	return s
}

func parseRecord(line string) (*User, error) {
	fields := strings.Split(line, ":")
	switch len(fields) {
	case 5:
		salt, err := hex.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("bad salt: %w", err)
		}
		digest, err := hex.DecodeString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("bad digest: %w", err)
		}
		perm, err := strconv.ParseUint(fields[4], 0, 8)
		if err != nil {
			return nil, fmt.Errorf("bad permission field: %w", err)
		}
		return &User{
			Name:        fields[0],
			salt:        salt,
			digest:      digest,
			Home:        fields[3],
			Permissions: Permission(perm),
		}, nil
	case 4:
		digest, err := hex.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("bad digest: %w", err)
		}
		perm, err := strconv.ParseUint(fields[3], 0, 8)
		if err != nil {
			return nil, fmt.Errorf("bad permission field: %w", err)
		}
		return &User{
			Name:        fields[0],
			salt:        nil,
			digest:      digest,
			Home:        fields[2],
			Permissions: Permission(perm),
		}, nil
	default:
		return nil, fmt.Errorf("expected 4 or 5 colon-separated fields, got %d", len(fields))
	}
}

// Lookup returns the user record for name, or ErrNotFound. The anonymous
// pseudo-user is matched against both "anonymous" and "ftp" and never
// consults the on-disk table.
func (s *Store) Lookup(name string) (*User, error) {
	if s.anonOK && (name == "anonymous" || name == "ftp") {
		return s.anon, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// Authenticate verifies password against the stored digest for name. The
// anonymous user accepts any password, including the empty string.
func (s *Store) Authenticate(name, password string) (*User, error) {
	u, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}
	if u == s.anon {
		return u, nil
	}
	got := digest(password, u.salt)
	if subtle.ConstantTimeCompare(got, u.digest) != 1 {
		return nil, ErrBadCredentials
	}
	return u, nil
}

// IsAnonymous reports whether u is the anonymous pseudo-user.
func (s *Store) IsAnonymous(u *User) bool {
	return u == s.anon
}

// NewRecord computes a fresh salt and digest for password and formats a
// 5-field users.db line ready to append to the store file.
func NewRecord(name, password, home string, perm Permission) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	d := digest(password, salt)
	return fmt.Sprintf("%s:%s:%s:%s:%d", name, hex.EncodeToString(salt), hex.EncodeToString(d), home, perm), nil
}

func digest(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, digestBytes, sha256.New)
}
