package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Authentication errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator validates a username and password
type Authenticator interface {
	Authenticate(username, password string) (*Principal, error)
}

// Permissions are RabbitMQ style regular expressions over resource names
type Permissions struct {
	Configure string `yaml:"configure"`
	Write     string `yaml:"write"`
	Read      string `yaml:"read"`
}

// UserEntry represents a user entry in the users file
type UserEntry struct {
	Username     string      `yaml:"username"`
	PasswordHash string      `yaml:"password_hash"` // bcrypt hash
	Permissions  Permissions `yaml:"permissions"`
	Groups       []string    `yaml:"groups,omitempty"`
}

// UsersFile represents the structure of the users file
type UsersFile struct {
	Users []UserEntry `yaml:"users"`
}

// FileAuthenticator implements file-based authentication
type FileAuthenticator struct {
	fs       afero.Fs
	filePath string

	mutex      sync.RWMutex
	users      map[string]*UserEntry
	principals map[string]*Principal
}

// NewFileAuthenticator loads users from filePath on fsys. A missing file is
// created with a single guest/guest user holding full permissions.
func NewFileAuthenticator(fsys afero.Fs, filePath string) (*FileAuthenticator, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	auth := &FileAuthenticator{
		fs:       fsys,
		filePath: filePath,
	}

	if err := auth.load(); err != nil {
		return nil, fmt.Errorf("failed to load users file: %w", err)
	}

	return auth, nil
}

func (f *FileAuthenticator) load() error {
	data, err := afero.ReadFile(f.fs, f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return f.createDefaultFile()
	}
	if err != nil {
		return fmt.Errorf("failed to read users file: %w", err)
	}

	var usersFile UsersFile
	if err := yaml.Unmarshal(data, &usersFile); err != nil {
		return fmt.Errorf("failed to parse users file: %w", err)
	}
	return f.install(usersFile)
}

// install compiles every entry before swapping the user maps, so a bad file
// leaves the previous users in place
func (f *FileAuthenticator) install(usersFile UsersFile) error {
	users := make(map[string]*UserEntry, len(usersFile.Users))
	principals := make(map[string]*Principal, len(usersFile.Users))
	for i := range usersFile.Users {
		entry := &usersFile.Users[i]
		if entry.Username == "" {
			return fmt.Errorf("user entry %d has no username", i)
		}
		p, err := NewPrincipal(entry.Username, entry.Groups, entry.Permissions)
		if err != nil {
			return err
		}
		users[entry.Username] = entry
		principals[entry.Username] = p
	}

	f.mutex.Lock()
	f.users = users
	f.principals = principals
	f.mutex.Unlock()
	return nil
}

func (f *FileAuthenticator) createDefaultFile() error {
	hash, err := bcrypt.GenerateFromPassword([]byte("guest"), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash default password: %w", err)
	}

	defaultFile := UsersFile{
		Users: []UserEntry{{
			Username:     "guest",
			PasswordHash: string(hash),
			Permissions:  Permissions{Configure: ".*", Write: ".*", Read: ".*"},
			Groups:       []string{"guest"},
		}},
	}

	data, err := yaml.Marshal(defaultFile)
	if err != nil {
		return fmt.Errorf("failed to marshal default users file: %w", err)
	}
	if err := afero.WriteFile(f.fs, f.filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write default users file: %w", err)
	}
	return f.install(defaultFile)
}

// Authenticate validates user credentials
func (f *FileAuthenticator) Authenticate(username, password string) (*Principal, error) {
	f.mutex.RLock()
	entry, exists := f.users[username]
	principal := f.principals[username]
	f.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return principal, nil
}

// GetUser returns the principal for username without checking a password
func (f *FileAuthenticator) GetUser(username string) (*Principal, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	p, exists := f.principals[username]
	if !exists {
		return nil, amqperrors.NewAuthenticationFailed(username, ErrUserNotFound.Error())
	}
	return p, nil
}

// AddUser hashes password and writes the updated users file
func (f *FileAuthenticator) AddUser(username, password string, perms Permissions, groups ...string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	f.mutex.RLock()
	file := UsersFile{Users: make([]UserEntry, 0, len(f.users)+1)}
	for name, entry := range f.users {
		if name != username {
			file.Users = append(file.Users, *entry)
		}
	}
	f.mutex.RUnlock()

	file.Users = append(file.Users, UserEntry{
		Username:     username,
		PasswordHash: string(hash),
		Permissions:  perms,
		Groups:       groups,
	})
	if err := f.install(file); err != nil {
		return err
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal users file: %w", err)
	}
	return afero.WriteFile(f.fs, f.filePath, data, 0600)
}

// Reload reloads the users file
func (f *FileAuthenticator) Reload() error {
	return f.load()
}
