package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，按数据库方言分目录存放。
//
//go:embed mysql/*.sql postgres/*.sql
var Files embed.FS

// Dialect 返回指定方言（mysql 或 postgres）的迁移目录。
func Dialect(name string) (fs.FS, error) {
	switch name {
	case "mysql", "postgres":
		return fs.Sub(Files, name)
	default:
		return nil, fmt.Errorf("未知的迁移方言 %q", name)
	}
}
