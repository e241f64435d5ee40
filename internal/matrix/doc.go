// Package matrix connects the dispatcher to Matrix rooms.
//
// Each room is a chat and each thread a topic, so a form opened inside a
// thread does not collide with one in the main timeline. Matrix user ids
// are mapped to numeric identities with UserIDFor; the readable id is
// passed along as the username.
//
// Matrix has no inline buttons. Responses list their buttons as a numbered
// menu and replying with the command prefix and a number (for example
// "!2") presses that button. The menu belongs to the room and thread it
// was posted in and is replaced by the next response that has buttons.
//
// Messages are handled in order per room and thread; different rooms are
// handled concurrently.
package matrix
