// Package accounts stores doctor accounts in bbolt with bcrypt password
// hashes.
package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound           = errors.New("doctor not found")
	ErrDuplicateUsername  = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalid            = errors.New("invalid doctor")
)

var (
	doctorsBucket   = []byte("doctors")
	usernamesBucket = []byte("usernames")
)

// Doctor is the public view of an account.
type Doctor struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	FullName      string    `json:"full_name"`
	Email         string    `json:"email"`
	Specialty     string    `json:"specialty,omitempty"`
	LicenseNumber string    `json:"license_number,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewDoctor is the input to Create. Active defaults to true.
type NewDoctor struct {
	Username      string `json:"username"`
	FullName      string `json:"full_name"`
	Email         string `json:"email"`
	Specialty     string `json:"specialty,omitempty"`
	LicenseNumber string `json:"license_number,omitempty"`
	Active        *bool  `json:"active,omitempty"`
	Password      string `json:"password"`
}

// Update changes only the non-nil fields.
type Update struct {
	Username      *string `json:"username,omitempty"`
	FullName      *string `json:"full_name,omitempty"`
	Email         *string `json:"email,omitempty"`
	Specialty     *string `json:"specialty,omitempty"`
	LicenseNumber *string `json:"license_number,omitempty"`
	Active        *bool   `json:"active,omitempty"`
	Password      *string `json:"password,omitempty"`
}

type record struct {
	Doctor
	HashedPassword []byte `json:"hashed_password"`
}

// Options tunes a Store.
type Options struct {
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Now        func() time.Time
}

// Store is a bbolt-backed doctor repository. It is safe for concurrent use.
type Store struct {
	db   *bbolt.DB
	cost int
	now  func() time.Time
}

// Open opens or creates the accounts database at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create accounts dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open accounts db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{doctorsBucket, usernamesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init accounts db: %w", err)
	}

	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: db, cost: opts.BcryptCost, now: opts.Now}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create registers a new doctor.
func (s *Store) Create(in NewDoctor) (Doctor, error) {
	in.Username = strings.TrimSpace(in.Username)
	if err := validate(in.Username, in.Email, in.Password); err != nil {
		return Doctor{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return Doctor{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	rec := record{
		Doctor: Doctor{
			ID:            uuid.NewString(),
			Username:      in.Username,
			FullName:      in.FullName,
			Email:         in.Email,
			Specialty:     in.Specialty,
			LicenseNumber: in.LicenseNumber,
			Active:        in.Active == nil || *in.Active,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		HashedPassword: hash,
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(usernamesBucket)
		if names.Get([]byte(rec.Username)) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateUsername, rec.Username)
		}
		if err := names.Put([]byte(rec.Username), []byte(rec.ID)); err != nil {
			return err
		}
		return putRecord(tx, rec)
	})
	if err != nil {
		return Doctor{}, err
	}
	return rec.Doctor, nil
}

// Get returns the doctor with id.
func (s *Store) Get(id string) (Doctor, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	return rec.Doctor, err
}

// GetByUsername returns the doctor registered as username.
func (s *Store) GetByUsername(username string) (Doctor, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = recordByUsername(tx, username)
		return err
	})
	return rec.Doctor, err
}

// List returns every doctor ordered by username.
func (s *Store) List() ([]Doctor, error) {
	out := []Doctor{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(doctorsBucket).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode doctor %s: %w", k, err)
			}
			out = append(out, rec.Doctor)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, err
}

// Update applies u to the doctor with id. A new password is rehashed.
func (s *Store) Update(id string, u Update) (Doctor, error) {
	var hash []byte
	if u.Password != nil {
		if *u.Password == "" {
			return Doctor{}, fmt.Errorf("%w: password must not be empty", ErrInvalid)
		}
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(*u.Password), s.cost); err != nil {
			return Doctor{}, fmt.Errorf("hash password: %w", err)
		}
	}

	var rec record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		if rec, err = getRecord(tx, id); err != nil {
			return err
		}

		if u.Username != nil {
			name := strings.TrimSpace(*u.Username)
			if name == "" {
				return fmt.Errorf("%w: username must not be empty", ErrInvalid)
			}
			if name != rec.Username {
				names := tx.Bucket(usernamesBucket)
				if names.Get([]byte(name)) != nil {
					return fmt.Errorf("%w: %s", ErrDuplicateUsername, name)
				}
				if err := names.Delete([]byte(rec.Username)); err != nil {
					return err
				}
				if err := names.Put([]byte(name), []byte(rec.ID)); err != nil {
					return err
				}
				rec.Username = name
			}
		}
		if u.FullName != nil {
			rec.FullName = *u.FullName
		}
		if u.Email != nil {
			if !strings.Contains(*u.Email, "@") {
				return fmt.Errorf("%w: email %q", ErrInvalid, *u.Email)
			}
			rec.Email = *u.Email
		}
		if u.Specialty != nil {
			rec.Specialty = *u.Specialty
		}
		if u.LicenseNumber != nil {
			rec.LicenseNumber = *u.LicenseNumber
		}
		if u.Active != nil {
			rec.Active = *u.Active
		}
		if hash != nil {
			rec.HashedPassword = hash
		}
		rec.UpdatedAt = s.now().UTC()
		return putRecord(tx, rec)
	})
	if err != nil {
		return Doctor{}, err
	}
	return rec.Doctor, nil
}

// Delete removes the doctor with id.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(usernamesBucket).Delete([]byte(rec.Username)); err != nil {
			return err
		}
		return tx.Bucket(doctorsBucket).Delete([]byte(id))
	})
}

// Authenticate checks a password. Unknown users, wrong passwords and
// inactive accounts all return ErrInvalidCredentials.
func (s *Store) Authenticate(username, password string) (Doctor, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = recordByUsername(tx, username)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Doctor{}, ErrInvalidCredentials
	}
	if err != nil {
		return Doctor{}, err
	}
	if bcrypt.CompareHashAndPassword(rec.HashedPassword, []byte(password)) != nil || !rec.Active {
		return Doctor{}, ErrInvalidCredentials
	}
	return rec.Doctor, nil
}

func validate(username, email, password string) error {
	var errs []error
	if username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if !strings.Contains(email, "@") {
		errs = append(errs, fmt.Errorf("email %q is not valid", email))
	}
	if password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func putRecord(tx *bbolt.Tx, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(doctorsBucket).Put([]byte(rec.ID), data)
}

func getRecord(tx *bbolt.Tx, id string) (record, error) {
	var rec record
	data := tx.Bucket(doctorsBucket).Get([]byte(id))
	if data == nil {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode doctor %s: %w", id, err)
	}
	return rec, nil
}

func recordByUsername(tx *bbolt.Tx, username string) (record, error) {
	id := tx.Bucket(usernamesBucket).Get([]byte(username))
	if id == nil {
		return record{}, fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	return getRecord(tx, string(id))
}
