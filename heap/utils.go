package heap

import "fmt"

func heapFileName(startPage uint64) string {
	return fmt.Sprintf("%s%s%d", heapFileNamePrefix, heapFileNameSeparator, startPage)
}
