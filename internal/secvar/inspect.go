package secvar

import (
	"bytes"
	"fmt"

	efi "github.com/canonical/go-efilib"
)

// BlobInfo summarizes an authenticated variable update
type BlobInfo struct {
	Size       int
	Lists      int
	Signatures int
	Types      []string
}

func (b *BlobInfo) String() string {
	return fmt.Sprintf("%d bytes, %d signature lists, %d signatures %v", b.Size, b.Lists, b.Signatures, b.Types)
}

// Inspect decodes the EFI_VARIABLE_AUTHENTICATION_2 header and the
// signature database that follows it.  The firmware is the authority on
// whether the update is acceptable; this only catches blobs that are not
// time-based authenticated updates at all.
func Inspect(blob []byte) (*BlobInfo, error) {
	r := bytes.NewReader(blob)
	if _, err := efi.ReadTimeBasedVariableAuthentication(r); err != nil {
		return nil, fmt.Errorf("decode authentication header: %w", err)
	}
	db, err := efi.ReadSignatureDatabase(r)
	if err != nil {
		return nil, fmt.Errorf("decode signature database: %w", err)
	}
	info := &BlobInfo{Size: len(blob), Lists: len(db)}
	for _, l := range db {
		info.Signatures += len(l.Signatures)
		info.Types = append(info.Types, fmt.Sprintf("%s", &l.Type))
	}
	return info, nil
}
