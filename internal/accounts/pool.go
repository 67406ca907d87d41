package accounts

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/RecoveryAshes/ShipRegCrawl/internal/models"
	"github.com/RecoveryAshes/ShipRegCrawl/internal/utils"
)

// ErrNoAccounts 账号文件中没有可用账号
var ErrNoAccounts = errors.New("账号池为空")

// txt行字段分隔符: 逗号/竖线/冒号/分号/制表符/空格, 连续分隔符算一个
var txtFieldSep = regexp.MustCompile(`[,|:;\t ]+`)

// Pool 账号池: 账号列表 + 持久化的轮换游标
// 每个worker持有自己的Pool实例, 共享同一账号文件但各有游标文件
type Pool struct {
	mu         sync.Mutex
	accounts   []models.Account
	idx        int
	cursorFile string
}

// cursorState 游标文件结构 {"index": N}
type cursorState struct {
	Index int `json:"index"`
}

// LoadAccounts 从文件加载账号: 按扩展名和内容自动识别
// JSON数组 / NDJSON / 纯文本格式, 按小写邮箱去重, 冲突时保留时间戳较大者
func LoadAccounts(path string) ([]models.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取账号文件失败: %w", err)
	}

	var parsed []models.Account
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrNoAccounts
	}

	if strings.HasPrefix(trimmed, "[") {
		// JSON数组
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			return nil, fmt.Errorf("解析账号JSON数组失败: %w", err)
		}
	} else if strings.HasPrefix(trimmed, "{") {
		// NDJSON: 每行一个对象
		parsed, err = parseNDJSON(trimmed)
		if err != nil {
			return nil, err
		}
	} else {
		// 纯文本: email<分隔符>password
		parsed = parseTxt(trimmed)
	}

	deduped := dedupeAccounts(parsed)
	if len(deduped) == 0 {
		return nil, ErrNoAccounts
	}
	return deduped, nil
}

func parseNDJSON(content string) ([]models.Account, error) {
	var out []models.Account
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var acc models.Account
		if err := json.Unmarshal([]byte(line), &acc); err != nil {
			utils.Warnf("跳过无法解析的账号行 (行 %d): %v", lineNum, err)
			continue
		}
		out = append(out, acc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取账号文件失败: %w", err)
	}
	return out, nil
}

func parseTxt(content string) []models.Account {
	var out []models.Account
	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// email<分隔符>password[<分隔符>full_name[<分隔符>company[<分隔符>role]]]
		parts := txtFieldSep.Split(line, -1)
		if len(parts) < 2 || !strings.Contains(parts[0], "@") {
			continue
		}
		acc := models.Account{
			Email:    strings.TrimSpace(parts[0]),
			Password: strings.TrimSpace(parts[1]),
		}
		if acc.Email == "" || acc.Password == "" {
			continue
		}
		if len(parts) >= 3 && parts[2] != "" {
			acc.FullName = strings.TrimSpace(parts[2])
		}
		if len(parts) >= 4 && parts[3] != "" {
			acc.Company = strings.TrimSpace(parts[3])
		}
		if len(parts) >= 5 && parts[4] != "" {
			acc.Role = strings.TrimSpace(parts[4])
		}
		out = append(out, acc)
	}
	return out
}

// dedupeAccounts 按小写邮箱去重, 保留时间戳较大的记录, 顺序按首次出现稳定
func dedupeAccounts(in []models.Account) []models.Account {
	best := make(map[string]models.Account)
	order := make(map[string]int)
	n := 0
	for _, acc := range in {
		if !acc.Usable() {
			continue
		}
		key := acc.Key()
		if prev, ok := best[key]; ok {
			if acc.Timestamp > prev.Timestamp {
				best[key] = acc
			}
			continue
		}
		best[key] = acc
		order[key] = n
		n++
	}

	out := make([]models.Account, 0, len(best))
	for key := range best {
		out = append(out, best[key])
	}
	sort.Slice(out, func(i, j int) bool {
		return order[out[i].Key()] < order[out[j].Key()]
	})
	return out
}

// NewPool 创建账号池并从游标文件恢复位置
// 游标文件缺失或损坏时从0开始; 下标按池大小取模钳制
func NewPool(accountsFile, cursorFile string) (*Pool, error) {
	accs, err := LoadAccounts(accountsFile)
	if err != nil {
		return nil, err
	}

	p := &Pool{accounts: accs, cursorFile: cursorFile}
	p.idx = p.loadCursor()
	utils.Infof("📥 账号池就绪: %d 个账号, 游标=%d (%s)", len(accs), p.idx, cursorFile)
	return p, nil
}

func (p *Pool) loadCursor() int {
	data, err := os.ReadFile(p.cursorFile)
	if err != nil {
		return 0
	}
	var st cursorState
	if err := json.Unmarshal(data, &st); err != nil {
		utils.Warnf("游标文件损坏, 从0开始: %s", p.cursorFile)
		return 0
	}
	if st.Index < 0 {
		return 0
	}
	return st.Index % len(p.accounts)
}

// saveCursor 持久化游标, 必须在Advance返回前完成
func (p *Pool) saveCursor() error {
	data, err := json.Marshal(cursorState{Index: p.idx})
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(p.cursorFile, data, 0644)
}

// Size 池中账号数量
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Index 当前游标位置
func (p *Pool) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idx
}

// Current 游标处的账号
func (p *Pool) Current() models.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accounts[p.idx]
}

// Advance 游标前移一位(取模回绕), 先落盘再返回新的当前账号
func (p *Pool) Advance() (models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idx = (p.idx + 1) % len(p.accounts)
	if err := p.saveCursor(); err != nil {
		return models.Account{}, fmt.Errorf("持久化游标失败: %w", err)
	}
	return p.accounts[p.idx], nil
}

// ForceSetIndex 强制设置游标并落盘, 下标取模回绕(负数也回绕到有效范围)
func (p *Pool) ForceSetIndex(i int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.accounts)
	p.idx = ((i % n) + n) % n
	return p.saveCursor()
}
