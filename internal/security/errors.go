package security

import "errors"

var ErrCipherTextTooShort = errors.New("cipher text shorter than GCM nonce")
