package ota

import (
	"errors"
	"fmt"
	"io"

	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/partition"
	"github.com/bigbag/papyrix-ota/internal/storage"
)

// ErrNothingStaged is returned by Staged when no image is pending.
var ErrNothingStaged = errors.New("no image staged in the temp partition")

// Staged returns the image a recovery session left in the temp
// partition. The payload sits at the start of the partition and its
// container header follows at the next erase segment.
func Staged(parts *partition.Manager) (*image.Descriptor, io.ReaderAt, error) {
	st := parts.State()
	if st.Pending == 0 {
		return nil, nil, ErrNothingStaged
	}
	temp, ok := parts.Temp()
	if !ok {
		return nil, nil, errors.New("partition table has no temp partition")
	}
	dev, err := parts.Device(temp)
	if err != nil {
		return nil, nil, err
	}
	region := io.NewSectionReader(dev, int64(temp.Offset), int64(temp.Size))
	off := storage.AlignUp(int64(st.PendingSize), dev.EraseSegment())
	if off >= int64(temp.Size) {
		return nil, nil, fmt.Errorf("staged image of %d bytes leaves no room for its header", st.PendingSize)
	}
	desc, _, err := image.ReadHeader(region, off, int64(temp.Size)-off)
	if err != nil {
		return nil, nil, fmt.Errorf("staged image header: %w", err)
	}
	if desc.Size != st.PendingSize || desc.TargetFileID != st.Pending {
		return nil, nil, fmt.Errorf("staged header describes file %d of %d bytes, pending marker says file %d of %d bytes",
			desc.TargetFileID, desc.Size, st.Pending, st.PendingSize)
	}
	return desc, io.NewSectionReader(region, 0, int64(desc.Size)), nil
}
