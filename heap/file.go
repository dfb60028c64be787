package heap

// MinPageSize is the smallest supported page, one OS page
const MinPageSize = uint32(4096)

type FileOptions struct {
	PageSizeByte  uint32
	FileDirectory string
	// HeapFileSizeByte caps the data bytes in one heap file, a
	// multiple of the page size. The store spills into additional
	// files once a file is full.
	HeapFileSizeByte uint32
}

// PageStore is a flat array of fixed size pages backed by a directory
// of heap files. Page numbers are dense and stable across reloads.
type PageStore interface {
	ReadPage(pageNumber uint64, buffer []byte) error
	WritePage(pageNumber uint64, buffer []byte) error
	// ExtendBy grows the addressable page space
	ExtendBy(pageCount int) error
	PageCount() uint64
	Sync() error
	Close() error
}
