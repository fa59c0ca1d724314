package bufferpool

import "github.com/Blackdeer1524/hotbackup/src/pkg/common"

func pageID(i int) common.PageID {
	return common.PageID(i)
}
