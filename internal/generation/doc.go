// Package generation answers questions from retrieved context using a chat
// completion model.
package generation
