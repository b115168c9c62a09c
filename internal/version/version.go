// Package version хранит сведения о сборке, которые задаются через -ldflags:
//
//	-X github.com/iKonstantin1991/patterns-book/internal/version.version=v1.0.0
package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// BuildInfo описывает текущую сборку сервиса.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Get возвращает сведения о сборке.
func Get() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, Date: date}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// Fields возвращает поля для стартовой записи в лог.
func (b BuildInfo) Fields() log.Fields {
	return log.Fields{
		"version": b.Version,
		"commit":  b.Commit,
		"date":    b.Date,
	}
}
