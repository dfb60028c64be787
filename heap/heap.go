package heap

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ember-db/utils/checksums"

	"github.com/phuslu/log"
	"golang.org/x/sys/unix"
)

var ErrPageOutOfRange = fmt.Errorf("page number out of range")

/*
Heap file layout
┌──────────────────────────────────────────────────────────────┐
| crc (4byte) | pageCount (4byte) | startPage (8byte)          |
|──────────────────────1 page of metadata──────────────────────|
| page 0 | page 1 | ...                                        |
└──────────────────────────────────────────────────────────────┘

A heap file holds up to HeapFileSizeByte/PageSizeByte data pages.
Files are named heapFile-<startPage> where startPage is the first
page number the file covers, so the set of files forms one dense
page address space.
*/

const permissionBits = 0755 // mode of newly created heap files
const heapFileNamePrefix = "heapFile"
const heapFileNameSeparator = "-"

type heapFileMeta struct {
	startPage uint64
	fd        int
	pageCount uint32
	buffer    []byte
	options   *FileOptions
}

func (hfm *heapFileMeta) serializeMetaData() {
	binary.BigEndian.PutUint32(hfm.buffer[4:8], hfm.pageCount)
	binary.BigEndian.PutUint64(hfm.buffer[8:16], hfm.startPage)
	checksums.WriteCRC(hfm.buffer[0:4], hfm.buffer[4:hfm.options.PageSizeByte])
}

func (hfm *heapFileMeta) deserializeMetaData() error {
	if !checksums.VerifyCRC(hfm.buffer[0:4], hfm.buffer[4:hfm.options.PageSizeByte]) {
		return fmt.Errorf("CRC mismatch")
	}
	hfm.pageCount = binary.BigEndian.Uint32(hfm.buffer[4:8])
	hfm.startPage = binary.BigEndian.Uint64(hfm.buffer[8:16])
	return nil
}

func (hfm *heapFileMeta) writeMetaData() error {
	hfm.serializeMetaData()
	if _, err := unix.Pwrite(hfm.fd, hfm.buffer, 0); err != nil {
		return err
	}
	return unix.Fsync(hfm.fd)
}

type fileSystemHeap struct {
	logger          log.Logger
	option          FileOptions
	fileIdentifiers []*heapFileMeta
	pagesPerFile    uint64
	totalPages      uint64
	heapFileLock    sync.RWMutex
}

func (fsh *fileSystemHeap) locate(pageNumber uint64) (*heapFileMeta, int64, error) {
	if pageNumber >= fsh.totalPages {
		return nil, 0, ErrPageOutOfRange
	}
	hfm := fsh.fileIdentifiers[pageNumber/fsh.pagesPerFile]
	offset := pageNumber % fsh.pagesPerFile
	diskOffset := int64(fsh.option.PageSizeByte) + int64(offset)*int64(fsh.option.PageSizeByte)
	return hfm, diskOffset, nil
}

func (fsh *fileSystemHeap) ReadPage(pageNumber uint64, buffer []byte) error {
	fsh.heapFileLock.RLock()
	defer fsh.heapFileLock.RUnlock()

	hfm, diskOffset, err := fsh.locate(pageNumber)
	if err != nil {
		return err
	}
	if _, err := unix.Pread(hfm.fd, buffer[:fsh.option.PageSizeByte], diskOffset); err != nil {
		fsh.logger.Error().Err(err).Msgf("error reading page %d", pageNumber)
		return err
	}
	return nil
}

func (fsh *fileSystemHeap) WritePage(pageNumber uint64, buffer []byte) error {
	fsh.heapFileLock.RLock()
	defer fsh.heapFileLock.RUnlock()

	hfm, diskOffset, err := fsh.locate(pageNumber)
	if err != nil {
		return err
	}
	if _, err := unix.Pwrite(hfm.fd, buffer[:fsh.option.PageSizeByte], diskOffset); err != nil {
		fsh.logger.Error().Err(err).Msgf("error writing page %d", pageNumber)
		return err
	}
	return nil
}

func (fsh *fileSystemHeap) ExtendBy(pageCount int) error {
	fsh.heapFileLock.Lock()
	defer fsh.heapFileLock.Unlock()

	remaining := uint64(pageCount)

	lastFile := fsh.fileIdentifiers[len(fsh.fileIdentifiers)-1]
	for remaining != 0 {
		room := fsh.pagesPerFile - uint64(lastFile.pageCount)
		if room == 0 {
			hfm, err := createNewEmptyHeapFile(lastFile.startPage+fsh.pagesPerFile, &fsh.option, fsh.logger)
			if err != nil {
				return err
			}
			fsh.fileIdentifiers = append(fsh.fileIdentifiers, hfm)
			lastFile = hfm
			room = fsh.pagesPerFile
		}

		extraPages := room
		if remaining < extraPages {
			extraPages = remaining
		}
		if err := fsh.allocatePagesInHeapFile(lastFile, extraPages); err != nil {
			return err
		}
		remaining -= extraPages
		fsh.totalPages += extraPages
	}

	fsh.logger.Debug().Msgf("extended heap by %d pages, total %d : %s", pageCount, fsh.totalPages, fsh.option.FileDirectory)
	return nil
}

func (fsh *fileSystemHeap) allocatePagesInHeapFile(hfm *heapFileMeta, extraPages uint64) error {
	currentSize := int64(fsh.option.PageSizeByte) + int64(hfm.pageCount)*int64(fsh.option.PageSizeByte)
	err := unix.Fallocate(hfm.fd, 0, currentSize, int64(extraPages)*int64(fsh.option.PageSizeByte))
	if err != nil {
		fsh.logger.Error().Err(err).Msgf("failed to extend heap file %d", hfm.startPage)
		return err
	}
	hfm.pageCount += uint32(extraPages)
	if err := hfm.writeMetaData(); err != nil {
		hfm.pageCount -= uint32(extraPages)
		fsh.logger.Error().Err(err).Msgf("failed to write heap file meta %d", hfm.startPage)
		return err
	}
	return nil
}

func (fsh *fileSystemHeap) PageCount() uint64 {
	fsh.heapFileLock.RLock()
	defer fsh.heapFileLock.RUnlock()
	return fsh.totalPages
}

func (fsh *fileSystemHeap) Sync() error {
	fsh.heapFileLock.RLock()
	defer fsh.heapFileLock.RUnlock()
	for _, hfm := range fsh.fileIdentifiers {
		if err := unix.Fsync(hfm.fd); err != nil {
			fsh.logger.Error().Err(err).Msgf("failed to fsync heap file %d", hfm.startPage)
			return err
		}
	}
	return nil
}

func (fsh *fileSystemHeap) Close() error {
	fsh.heapFileLock.Lock()
	defer fsh.heapFileLock.Unlock()
	for _, hfm := range fsh.fileIdentifiers {
		if err := unix.Close(hfm.fd); err != nil {
			return err
		}
	}
	fsh.fileIdentifiers = nil
	fsh.totalPages = 0
	return nil
}

/*
Creates heap files in sequence, starting with an empty file covering
page 0 if the directory holds none. Existing files are reloaded with
their CRC verified, a mismatching meta page is corrected from the
file size.
*/
func NewPageStore(logger log.Logger, option FileOptions) (PageStore, error) {

	if option.PageSizeByte < MinPageSize {
		return nil, fmt.Errorf("page size %d below minimum %d", option.PageSizeByte, MinPageSize)
	}
	if option.HeapFileSizeByte%option.PageSizeByte != 0 {
		return nil, fmt.Errorf("heap file size must be a multiple of the page size")
	}

	if _, err := os.Stat(option.FileDirectory); err != nil {
		if err := os.MkdirAll(option.FileDirectory, os.ModePerm); err != nil {
			logger.Error().Err(err).Msg("failed to create heap file directory")
			return nil, err
		}
	}

	fileEntries, err := os.ReadDir(option.FileDirectory)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read heap file list")
		return nil, err
	}

	fileIdentifiers := make([]*heapFileMeta, 0, len(fileEntries))

	for _, fileEntry := range fileEntries {
		if fileEntry.IsDir() || !strings.HasPrefix(fileEntry.Name(), heapFileNamePrefix) {
			continue
		}

		fileLocation := filepath.Join(option.FileDirectory, fileEntry.Name())
		logger.Info().Str("file", fileLocation).Msg("found heap file")

		fd, err := unix.Open(fileLocation, unix.O_RDWR|unix.O_DSYNC, permissionBits)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to open heap file %s", fileEntry.Name())
			return nil, err
		}

		startPage, err := strconv.ParseUint(strings.Split(fileEntry.Name(), heapFileNameSeparator)[1], 10, 64)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to parse heap file number %s", fileEntry.Name())
			return nil, err
		}

		hfm := &heapFileMeta{
			fd:        fd,
			startPage: startPage,
			options:   &option,
			buffer:    make([]byte, option.PageSizeByte),
		}

		if _, err := unix.Pread(hfm.fd, hfm.buffer, 0); err != nil {
			logger.Error().Err(err).Msg("failed to read heap file meta")
			return nil, err
		}

		if hfm.deserializeMetaData() != nil {
			// correction phase, derive the page count from the file
			// size. fallocate grows the file before the meta page is
			// rewritten, so the size is always an upper bound.
			stat, err := os.Stat(fileLocation)
			if err != nil {
				logger.Error().Err(err).Msg("failed to stat heap file")
				return nil, err
			}
			if (stat.Size()-int64(option.PageSizeByte))%int64(option.PageSizeByte) == 0 {
				hfm.pageCount = uint32((stat.Size() - int64(option.PageSizeByte)) / int64(option.PageSizeByte))
			}
			hfm.startPage = startPage
			if err := hfm.writeMetaData(); err != nil {
				logger.Error().Err(err).Msg("failed to rewrite heap file meta")
				return nil, err
			}
		}

		fileIdentifiers = append(fileIdentifiers, hfm)
	}

	sort.Slice(fileIdentifiers, func(i, j int) bool {
		return fileIdentifiers[i].startPage < fileIdentifiers[j].startPage
	})

	if len(fileIdentifiers) == 0 {
		hfm, err := createNewEmptyHeapFile(0, &option, logger)
		if err != nil {
			return nil, err
		}
		fileIdentifiers = append(fileIdentifiers, hfm)
	}

	totalPages := uint64(0)
	for _, hfm := range fileIdentifiers {
		totalPages += uint64(hfm.pageCount)
	}

	return &fileSystemHeap{
		logger:          logger,
		option:          option,
		fileIdentifiers: fileIdentifiers,
		pagesPerFile:    uint64(option.HeapFileSizeByte / option.PageSizeByte),
		totalPages:      totalPages,
	}, nil
}

func createNewEmptyHeapFile(startPage uint64, option *FileOptions, logger log.Logger) (*heapFileMeta, error) {

	fd, err := unix.Open(filepath.Join(option.FileDirectory, heapFileName(startPage)), unix.O_RDWR|unix.O_DSYNC|unix.O_CREAT, permissionBits)
	if err != nil {
		logger.Error().Err(err).Msgf("failed to open heap file %d", startPage)
		return nil, err
	}

	if err := unix.Fallocate(fd, 0, 0, int64(option.PageSizeByte)); err != nil {
		logger.Error().Err(err).Msgf("failed to allocate meta page in heap file %d", startPage)
		return nil, err
	}

	hfm := &heapFileMeta{
		pageCount: 0,
		fd:        fd,
		startPage: startPage,
		options:   option,
		buffer:    make([]byte, option.PageSizeByte),
	}

	if err := hfm.writeMetaData(); err != nil {
		logger.Error().Err(err).Msgf("failed to write heap file %d", startPage)
		return nil, err
	}

	return hfm, nil
}
