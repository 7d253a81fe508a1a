// nolint: gochecknoglobals
package idgenerator

import gonanoid "github.com/matoous/go-nanoid/v2"

const (
	CorrelationIDLength  = 16
	ClientIDSuffixLength = 8
)

// alphabet used in ID generation.
var alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// CorrelationID generates an opaque token that matches an asynchronous
// reply to its originating request.
func CorrelationID() string {
	return gonanoid.MustGenerate(alphabet, CorrelationIDLength)
}

// ClientIDSuffix generates a random suffix for a broker client ID.
func ClientIDSuffix() string {
	return gonanoid.MustGenerate(alphabet, ClientIDSuffixLength)
}

func Random(length int) string {
	return gonanoid.MustGenerate(alphabet, length)
}
