package db

import (
	"database/sql"
	"strings"

	"go.uber.org/multierr"

	"kieran-nlp/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    auth_code TEXT UNIQUE NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER,
    title TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users (id)
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER,
    conversation_id INTEGER,
    content TEXT NOT NULL,
    is_user BOOLEAN NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users (id),
    FOREIGN KEY (conversation_id) REFERENCES conversations (id)
);`

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(&Error{Op: "init schema", Err: err}, db.Close())
	}

	if err := migrate(db); err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	return &Database{db: db}, nil
}

// migrate brings databases created before the conversations table existed up
// to the current schema. Re-adding a column that is already present is not an
// error.
func migrate(db *sql.DB) error {
	const addColumn = `ALTER TABLE messages ADD COLUMN conversation_id INTEGER REFERENCES conversations (id)`
	if _, err := db.Exec(addColumn); err != nil {
		if strings.Contains(err.Error(), "duplicate column name") {
			return nil
		}
		return &Error{Op: "migrate messages", Err: err}
	}
	return nil
}

func (db *Database) Close() error {
	if err := db.db.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

// GetOrCreateUser returns the stable user record for an auth code, creating
// the user on first reference.
func (db *Database) GetOrCreateUser(authCode string) (*models.User, error) {
	user := &models.User{AuthCode: authCode}

	err := db.db.QueryRow(
		`SELECT id, created_at FROM users WHERE auth_code = ?`, authCode,
	).Scan(&user.ID, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if err != sql.ErrNoRows {
		return nil, &Error{Op: "get user", Err: err}
	}

	query := `
        INSERT INTO users (auth_code, created_at)
        VALUES (?, CURRENT_TIMESTAMP)
        RETURNING id, created_at`

	if err := db.db.QueryRow(query, authCode).Scan(&user.ID, &user.CreatedAt); err != nil {
		return nil, &Error{Op: "create user", Err: err}
	}
	return user, nil
}

func (db *Database) CreateConversation(userID int64, title string) (*models.Conversation, error) {
	query := `
        INSERT INTO conversations (user_id, title, created_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        RETURNING id, created_at`

	conv := &models.Conversation{UserID: userID, Title: title}
	if err := db.db.QueryRow(query, userID, title).Scan(&conv.ID, &conv.CreatedAt); err != nil {
		return nil, &Error{Op: "create conversation", Err: err}
	}
	return conv, nil
}

func (db *Database) SaveMessage(msg *models.Message) error {
	query := `
        INSERT INTO messages (user_id, conversation_id, content, is_user, created_at)
        VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
        RETURNING id, created_at`

	err := db.db.QueryRow(query, msg.UserID, msg.ConvID, msg.Content, msg.IsUser).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return &Error{Op: "save message", Err: err}
	}
	return nil
}

// GetConversationHistory returns a conversation's messages oldest-first.
// CURRENT_TIMESTAMP only has second resolution, so the rowid carries the
// insertion order. A limit <= 0 means no limit.
func (db *Database) GetConversationHistory(conversationID int64, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
        SELECT id, user_id, conversation_id, content, is_user, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY id ASC
        LIMIT ? OFFSET ?`

	rows, err := db.db.Query(query, conversationID, limit, offset)
	if err != nil {
		return nil, &Error{Op: "get history", Err: err}
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(&msg.ID, &msg.UserID, &msg.ConvID, &msg.Content, &msg.IsUser, &msg.CreatedAt)
		if err != nil {
			return nil, &Error{Op: "scan message", Err: err}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "get history", Err: err}
	}
	return messages, nil
}

// GetConversations lists a user's conversations newest-first.
func (db *Database) GetConversations(userID int64) ([]models.Conversation, error) {
	query := `
        SELECT id, user_id, title, created_at
        FROM conversations
        WHERE user_id = ?
        ORDER BY id DESC`

	rows, err := db.db.Query(query, userID)
	if err != nil {
		return nil, &Error{Op: "get conversations", Err: err}
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt); err != nil {
			return nil, &Error{Op: "scan conversation", Err: err}
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "get conversations", Err: err}
	}
	return conversations, nil
}

// UpdateConversationTitle renames a conversation. A conversation that does
// not belong to the user is left untouched.
func (db *Database) UpdateConversationTitle(userID, conversationID int64, title string) error {
	_, err := db.db.Exec(
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`,
		title, conversationID, userID,
	)
	if err != nil {
		return &Error{Op: "rename conversation", Err: err}
	}
	return nil
}

// DeleteConversation removes a conversation and all its messages in one
// transaction. Both deletes succeed or neither does.
func (db *Database) DeleteConversation(userID, conversationID int64) error {
	tx, err := db.db.Begin()
	if err != nil {
		return &Error{Op: "delete conversation", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM messages WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID,
	); err != nil {
		return &Error{Op: "delete messages", Err: err}
	}

	if _, err := tx.Exec(
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	); err != nil {
		return &Error{Op: "delete conversation", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &Error{Op: "delete conversation", Err: err}
	}
	return nil
}

// ClearUserHistory removes every message belonging to a user without
// touching the conversation list.
func (db *Database) ClearUserHistory(userID int64) error {
	if _, err := db.db.Exec(`DELETE FROM messages WHERE user_id = ?`, userID); err != nil {
		return &Error{Op: "clear history", Err: err}
	}
	return nil
}

// ClearAll wipes messages, conversations and users. Maintenance only.
func (db *Database) ClearAll() error {
	tx, err := db.db.Begin()
	if err != nil {
		return &Error{Op: "clear database", Err: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM messages`,
		`DELETE FROM conversations`,
		`DELETE FROM users`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return &Error{Op: "clear database", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &Error{Op: "clear database", Err: err}
	}
	return nil
}
