// Package store is the persistence collaborator of the chat server: users
// and message history live in a SQLite database behind gorm, and stateless
// auth tokens are signed with an HMAC secret.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameInvalid    = errors.New("invalid username")
)

// User is a persisted identity. Guests use ID 0 and are never written to the
// database; negative IDs are reserved for system authors.
type User struct {
	ID           int64  `gorm:"primaryKey" json:"id"`
	Username     string `gorm:"uniqueIndex;size:64" json:"username"`
	PasswordHash string `json:"-"`
	Money        int64  `json:"money"`
	XP           int64  `json:"xp"`
	// Right is the privilege tier; higher unlocks more commands.
	Right int  `json:"right"`
	OP    bool `json:"op"`
	// PluginData is a free-form JSON blob keyed by plugin name. Plugins
	// mutate their slice in memory and persist through SaveUser, never
	// implicitly.
	PluginData string    `json:"-"`
	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
}

// IsGuest reports whether this user was synthesized for an unauthenticated
// session.
func (u *User) IsGuest() bool { return u.ID == 0 }

// Message is one persisted chat message. IDs are snowflakes assigned by the
// server before the write, so they are monotonic per process and unique.
type Message struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Room      string    `gorm:"index:idx_messages_room" json:"room"`
	AuthorID  int64     `json:"authorId"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	QuotedID  int64     `json:"quotedId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&User{}, &Message{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Register creates a new account with a bcrypt-hashed password.
func (s *Store) Register(username, password string) (*User, error) {
	name := normalizeUsername(username)
	if len(name) < 3 || len(name) > 32 {
		return nil, ErrUsernameInvalid
	}

	var count int64
	if err := s.db.Model(&User{}).Where("username = ?", name).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &User{Username: name, PasswordHash: string(hash)}
	if err := s.db.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate verifies a username/password pair. It deliberately returns
// the same error for unknown users and wrong passwords.
func (s *Store) Authenticate(username, password string) (*User, error) {
	user, err := s.UserByName(username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// UserByID loads a user by numeric id.
func (s *Store) UserByID(id int64) (*User, error) {
	var user User
	if err := s.db.First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UserByName loads a user by case-insensitive username.
func (s *Store) UserByName(username string) (*User, error) {
	var user User
	if err := s.db.First(&user, "username = ?", normalizeUsername(username)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SaveUser persists the in-memory user state. Guests are ignored.
func (s *Store) SaveUser(user *User) error {
	if user == nil || user.IsGuest() {
		return nil
	}
	return s.db.Save(user).Error
}

// AppendMessage persists one message.
func (s *Store) AppendMessage(m *Message) error {
	return s.db.Create(m).Error
}

// RecentMessages returns up to limit messages of a room older than beforeID
// (0 means newest), in ascending id order.
func (s *Store) RecentMessages(room string, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.Where("room = ?", room)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var messages []Message
	if err := q.Order("id desc").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}
	// Flip to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
