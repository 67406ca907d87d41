package accounts

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// WorkerCursorPath worker专属游标文件路径: <base>.w<id>.json
// base为主游标文件路径去掉.json后缀, 与主游标同目录
func WorkerCursorPath(cursorFile string, workerID int) string {
	base := cursorFile
	if len(base) > 5 && base[len(base)-5:] == ".json" {
		base = base[:len(base)-5]
	}
	return fmt.Sprintf("%s.w%d.json", base, workerID)
}

// SeedWorkerCursors 为每个worker播种游标文件
// worker i 的初始下标为 (baseIdx + i) mod 池大小; 已存在的游标文件绝不覆盖,
// 否则断点续传会丢失worker在池中已走过的位置。返回新播种的数量。
func SeedWorkerCursors(accountsFile, cursorFile string, baseIdx, workers int) (int, error) {
	accs, err := LoadAccounts(accountsFile)
	if err != nil {
		return 0, err
	}
	n := len(accs)

	seeded := 0
	for wid := 0; wid < workers; wid++ {
		path := WorkerCursorPath(cursorFile, wid)
		if _, err := os.Stat(path); err == nil {
			utils.Debugf("worker %d 游标已存在, 保留: %s", wid, path)
			continue
		}
		idx := ((baseIdx + wid) % n + n) % n
		data, err := json.Marshal(cursorState{Index: idx})
		if err != nil {
			return seeded, err
		}
		if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
			return seeded, fmt.Errorf("播种worker %d 游标失败: %w", wid, err)
		}
		utils.Infof("🎯 worker %d 游标播种: index=%d", wid, idx)
		seeded++
	}
	return seeded, nil
}
