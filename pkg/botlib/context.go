package botlib

import (
	"fmt"
)

// Context provides methods for responding to messages.
// It is passed to message handlers.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply broadcasts content addressed to the message author.
// The room has no threads, so the reply is prefixed with "@author ".
func (c *Context) Reply(content string) error {
	if c.message.Author == "" {
		return c.bot.Say(content)
	}
	return c.bot.Say("@" + c.message.Author + " " + content)
}

// Say broadcasts content to the room.
func (c *Context) Say(content string) error {
	return c.bot.Say(content)
}

// Author returns the identity of the message author.
func (c *Context) Author() string {
	return c.message.Author
}

// BotIdentity returns the bot's identity.
func (c *Context) BotIdentity() string {
	return c.bot.identity
}

// Members returns the identities the bot knows to be connected.
func (c *Context) Members() []string {
	return c.bot.Members()
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{kind=%s, author=%s}", c.message.Kind, c.message.Author)
}
