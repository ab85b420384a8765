package models

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ProfileIconCount is the number of selectable avatar icons.
const ProfileIconCount = 6

const defaultFirstName = "Usuário"

type Profile struct {
	UserID    uuid.UUID `json:"user_id"`
	IconIndex int       `json:"icon_index"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
}

func IsValidIconIndex(index int) bool {
	return index >= 0 && index < ProfileIconCount
}

// FirstNameFromEmail capitalizes the local part of an email address.
func FirstNameFromEmail(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if local == "" {
		return defaultFirstName
	}
	first, size := utf8.DecodeRuneInString(local)
	return string(unicode.ToUpper(first)) + local[size:]
}
