package models

import (
	"encoding/hex"
	"fmt"

	"github.com/lyzr/imagescale/common/codec"
	"github.com/lyzr/imagescale/common/scalekey"
	"github.com/zeebo/blake3"
)

// DerivationTask asks the background queue to realize one placeholder.
// Every field except RetryCount takes part in deduplication.
type DerivationTask struct {
	ItemID         string       `cbor:"item_id" json:"item_id"`
	StorageKey     string       `cbor:"storage_key" json:"storage_key"`
	Field          string       `cbor:"field" json:"field"`
	Filename       string       `cbor:"filename" json:"filename"`
	ContentType    string       `cbor:"content_type" json:"content_type"`
	SourceModified int64        `cbor:"source_modified" json:"source_modified"`
	Key            scalekey.Key `cbor:"key" json:"key"`
	Quality        int          `cbor:"quality" json:"quality"`

	RetryCount int `cbor:"-" json:"retry_count"`
}

// Token is the canonical deduplication identity of the task
func (t *DerivationTask) Token() string {
	enc, err := codec.Marshal(t)
	if err != nil {
		panic(fmt.Sprintf("models: encode derivation task: %v", err))
	}
	sum := blake3.Sum256(enc)
	return hex.EncodeToString(sum[:])
}
