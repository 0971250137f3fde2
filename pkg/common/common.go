package common

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/crypto/pbkdf2"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var (
	snowflakeNode *snowflake.Node
	nodeOnce      sync.Once
)

// UUIDint64 returns a snowflake-based int64 identifier.
func UUIDint64() int64 {
	nodeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		snowflakeNode = node
	})
	return snowflakeNode.Generate().Int64()
}

// UUID returns a snowflake-based identifier in base36 string form.
func UUID() string {
	nodeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		snowflakeNode = node
	})
	return snowflakeNode.Generate().Base36()
}

// Sha256HashWithSalt hashes src with the given salt using PBKDF2-SHA256.
func Sha256HashWithSalt(src string, salt string) string {
	dk := pbkdf2.Key([]byte(src), []byte(salt), 4096, 32, sha256.New)
	return hex.EncodeToString(dk)
}

// GetSecretSalt reads the process-level secret salt, falling back to a
// fixed development value.
func GetSecretSalt() string {
	if s := os.Getenv("HIDEAWAY_SECRET_SALT"); s != "" {
		return s
	}
	return "hideaway-secret"
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// FileExists checks whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
