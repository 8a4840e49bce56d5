// Package telegram implements the chat-transport collaborator: Bot API
// payload types, a small client for the calls the bot actually makes, and
// the notifier that delivers correlation results back to the chat.
package telegram

// Update is an incoming Bot API update. Only the fields the bot consumes
// are modeled.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	EditedMessage *Message       `json:"edited_message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Msg returns the message from the update, preferring the original over an
// edited one.
func (u *Update) Msg() *Message {
	if u.Message != nil {
		return u.Message
	}
	return u.EditedMessage
}

// Message is a chat message, possibly carrying voice or audio attachments.
type Message struct {
	MessageID int64     `json:"message_id"`
	From      *User     `json:"from,omitempty"`
	Chat      *Chat     `json:"chat,omitempty"`
	Text      string    `json:"text,omitempty"`
	Voice     *File     `json:"voice,omitempty"`
	Audio     *File     `json:"audio,omitempty"`
	Document  *Document `json:"document,omitempty"`
}

// User is the author of a message or callback.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName renders the best available human-readable name.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	return name
}

// Chat identifies the conversation an update belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"` // private, group, supergroup, channel
}

// IsGroup reports whether the chat is a group conversation.
func (c *Chat) IsGroup() bool {
	return c != nil && (c.Type == "group" || c.Type == "supergroup")
}

// File is a voice or audio attachment reference.
type File struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Document is a generic attachment; only audio-bearing mime types are
// accepted for intake.
type Document struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// CallbackQuery is an inline-keyboard button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// InlineKeyboardButton is one button of an inline keyboard.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// InlineKeyboard is rows of buttons attached to an outgoing message.
type InlineKeyboard [][]InlineKeyboardButton
