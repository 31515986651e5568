package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type IDKind string

const (
	IDKindPipeline  IDKind = "pipe"
	IDKindExecution IDKind = "exec"
	IDKindReview    IDKind = "rev"
	IDKindAlert     IDKind = "alrt"
	IDKindHandle    IDKind = "hdl"
)

var validIDKinds = map[IDKind]bool{
	IDKindPipeline:  true,
	IDKindExecution: true,
	IDKindReview:    true,
	IDKindAlert:     true,
	IDKindHandle:    true,
}

var idRegex = regexp.MustCompile(`^(pipe|exec|rev|alrt|hdl)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(kind IDKind) (string, error) {
	if !validIDKinds[kind] {
		return "", fmt.Errorf("invalid ID kind: %s", kind)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", kind, timestamp, hexStr), nil
}

// MustGenerateID panics on entropy failure. Used where an error return
// would only be re-panicked anyway.
func MustGenerateID(kind IDKind) string {
	id, err := GenerateID(kind)
	if err != nil {
		panic(err)
	}
	return id
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDKind(id string) (IDKind, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDKind(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	// Timestamp portion: 10 digits between the two underscores from the end
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
