package domain

import "errors"

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidCredential is returned by identity checks when the credential
// itself is bad, as opposed to the provider being unreachable.
var ErrInvalidCredential = errors.New("invalid credential")
