package migrations

import "embed"

// Files 按方言目录暴露所有 SQL 迁移文件。
//
//go:embed mysql/*.sql postgres/*.sql sqlite/*.sql
var Files embed.FS
