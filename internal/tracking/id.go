package tracking

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator mints opaque tracking identifiers.
type IDGenerator interface {
	Generate() (string, error)
}

// UUIDGenerator returns random (v4) UUIDs. Global uniqueness is enforced by
// the store's primary key; a collision surfaces as ErrDuplicateID and MintID
// simply draws again.
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// SequenceGenerator returns prefix1, prefix2, … and never repeats within one
// instance. Used by tests and local demos where readable ids help.
type SequenceGenerator struct {
	prefix string
	n      atomic.Uint64
}

func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

func (g *SequenceGenerator) Generate() (string, error) {
	return fmt.Sprintf("%s%d", g.prefix, g.n.Add(1)), nil
}

// maxIDAttempts bounds how many collisions MintID tolerates before giving up.
const maxIDAttempts = 5

// MintID draws ids from gen and hands each to insert until insert succeeds.
// insert must return ErrDuplicateID (possibly wrapped) on a key collision; any
// other error aborts immediately. The id and the record therefore appear
// together: no id is returned without a successful insert.
func MintID(gen IDGenerator, insert func(id string) error) (string, error) {
	for range maxIDAttempts {
		id, err := gen.Generate()
		if err != nil {
			return "", fmt.Errorf("generate tracking id: %w", err)
		}
		err = insert(id)
		if errors.Is(err, ErrDuplicateID) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return "", fmt.Errorf("generate tracking id: %d collisions in a row: %w", maxIDAttempts, ErrDuplicateID)
}

// CreateRecord runs insert with in.ID when the caller supplied one, and
// otherwise with ids minted from gen until insert stops returning
// ErrDuplicateID. insert receives in with ID set.
func CreateRecord(gen IDGenerator, in NewEmail, insert func(NewEmail) (EmailRecord, error)) (EmailRecord, error) {
	if in.ID != "" {
		return insert(in)
	}
	var rec EmailRecord
	_, err := MintID(gen, func(id string) error {
		in.ID = id
		var err error
		rec, err = insert(in)
		return err
	})
	return rec, err
}

// TrackingURL builds the click-through link embedded in outgoing mail.
func TrackingURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/track/" + url.PathEscape(id)
}
