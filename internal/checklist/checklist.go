// Package checklist 解析检查清单数据文件（./src/checklist.json），供离线渲染与报告使用。
package checklist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Document 对应清单 JSON 的顶层结构。
type Document struct {
	Address string `json:"address,omitempty"`
	Rooms   []Room `json:"rooms"`
}

// Room 是一个房间及其检查项。
type Room struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// Item 是单个检查项，ID 在整份清单中唯一。
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Parse 解析 JSON 并校验，缺失的 rooms 视为空清单。
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode checklist: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Validate 要求房间有名称，检查项有 id 与标题，且 id 不重复。
func (d Document) Validate() error {
	seen := make(map[string]string)
	for i, room := range d.Rooms {
		if strings.TrimSpace(room.Name) == "" {
			return fmt.Errorf("rooms[%d]: name required", i)
		}
		for j, item := range room.Items {
			if strings.TrimSpace(item.ID) == "" {
				return fmt.Errorf("rooms[%d].items[%d]: id required", i, j)
			}
			if strings.TrimSpace(item.Title) == "" {
				return fmt.Errorf("rooms[%d].items[%d]: title required", i, j)
			}
			if other, dup := seen[item.ID]; dup {
				return fmt.Errorf("item id %q used by both %q and %q", item.ID, other, room.Name)
			}
			seen[item.ID] = room.Name
		}
	}
	return nil
}

// Sorted 返回按房间名排序、房间内按检查项 id 排序的副本，排序使用本地化的字符串比较。
func (d Document) Sorted() Document {
	col := collate.New(language.Und)
	out := Document{Address: d.Address, Rooms: make([]Room, len(d.Rooms))}
	for i, room := range d.Rooms {
		items := append([]Item(nil), room.Items...)
		slices.SortStableFunc(items, func(a, b Item) int { return col.CompareString(a.ID, b.ID) })
		out.Rooms[i] = Room{Name: room.Name, Items: items}
	}
	slices.SortStableFunc(out.Rooms, func(a, b Room) int { return col.CompareString(a.Name, b.Name) })
	return out
}

// Hash 返回清单内容的短指纹（SHA-256 前 8 字节），报告页脚用它标识所用清单。
// 计算基于原始顺序。
func (d Document) Hash() string {
	rooms := make([]string, 0, len(d.Rooms))
	for _, room := range d.Rooms {
		items := make([]string, 0, len(room.Items))
		for _, item := range room.Items {
			items = append(items, item.ID+":"+item.Title)
		}
		rooms = append(rooms, room.Name+":"+strings.Join(items, "|"))
	}
	sum := sha256.Sum256([]byte(strings.Join(rooms, "||")))
	return hex.EncodeToString(sum[:8])
}

// ItemCount 返回检查项总数。
func (d Document) ItemCount() int {
	n := 0
	for _, room := range d.Rooms {
		n += len(room.Items)
	}
	return n
}
