package machine

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
)

// CurrentSchemaVersion is the record layout written by this build.
const CurrentSchemaVersion = 1

// RecordExt is the file extension of machine records.
const RecordExt = ".json"

var (
	// ErrChecksumMismatch is returned when a record does not match its checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnsupportedSchema is returned for records written by a newer build.
	ErrUnsupportedSchema = errors.New("unsupported schema version")
)

// record is the on-disk form of a Machine.
type record struct {
	SchemaVersion int               `json:"schema_version"`
	ID            models.MachineID  `json:"id"`
	MetadataStore string            `json:"metadata_store"`
	CreatedAt     time.Time         `json:"created_at"`
	Merged        oplog.VectorClock `json:"merged,omitempty"`
	Log           []oplog.Operation `json:"log"`
	Checksum      string            `json:"checksum,omitempty"`
}

// Encode serialises a machine into its record form.
func Encode(m *Machine) ([]byte, error) {
	rec := record{
		SchemaVersion: CurrentSchemaVersion,
		ID:            m.ID,
		MetadataStore: m.MetadataStorePath,
		CreatedAt:     m.CreatedAt,
		Merged:        m.Merged,
		Log:           m.Log.Entries(),
	}

	sum, err := checksum(rec)
	if err != nil {
		return nil, err
	}
	rec.Checksum = sum

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal machine record: %w", err)
	}
	return data, nil
}

// Decode parses and verifies a machine record. The log is rebuilt through
// oplog.LoadLog so every entry is validated.
func Decode(data []byte) (*Machine, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse machine record: %w", err)
	}

	if rec.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, rec.SchemaVersion)
	}
	if !rec.ID.Valid() {
		return nil, errors.New("machine record without id")
	}

	if rec.Checksum != "" {
		want := rec.Checksum
		rec.Checksum = ""
		got, err := checksum(rec)
		if err != nil {
			return nil, err
		}
		if got != want {
			return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, want, got)
		}
	}

	log, err := oplog.LoadLog(rec.ID, rec.Log)
	if err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}

	merged := rec.Merged.Clone()
	if merged.Get(rec.ID) > uint64(log.Len()) {
		return nil, fmt.Errorf("merged watermark %d exceeds log length %d", merged.Get(rec.ID), log.Len())
	}

	return &Machine{
		ID:                rec.ID,
		MetadataStorePath: rec.MetadataStore,
		CreatedAt:         rec.CreatedAt,
		Log:               log,
		Merged:            merged,
	}, nil
}

func checksum(rec record) (string, error) {
	rec.Checksum = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal machine record for checksum: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// EscapeID maps a machine id onto a portable file name stem. Bytes outside
// [A-Za-z0-9._-] are written as %XX.
func EscapeID(id models.MachineID) string {
	var b strings.Builder
	for _, c := range []byte(id) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// UnescapeID reverses EscapeID. Malformed escapes are kept literally.
func UnescapeID(stem string) models.MachineID {
	var b strings.Builder
	for i := 0; i < len(stem); i++ {
		if stem[i] == '%' && i+2 < len(stem) {
			if v, err := hex.DecodeString(stem[i+1 : i+3]); err == nil {
				b.WriteByte(v[0])
				i += 2
				continue
			}
		}
		b.WriteByte(stem[i])
	}
	return models.MachineID(b.String())
}
