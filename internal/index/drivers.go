package index

// The supported SQL drivers. sqlite3 backs the per-vault local index;
// postgres and mysql serve replica projections hosted on shared
// database servers.
import (
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)
