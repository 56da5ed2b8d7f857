package log

const (
	defaultLogMaxSize = 300 // MB
)

// FileLogConfig serializes file log related config.
type FileLogConfig struct {
	// Log rootpath
	RootPath string `toml:"rootpath" json:"rootpath"`
	// Log filename, leave empty to disable file log.
	Filename string `toml:"filename" json:"filename"`
	// Max size for a single file, in MB.
	MaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	MaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	MaxBackups int `toml:"max-backups" json:"max-backups"`
}

// Config serializes log related config.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format. one of json or text.
	Format string `toml:"format" json:"format"`
	// File log config.
	File FileLogConfig `toml:"file" json:"file"`
	// Development puts the logger in development mode.
	Development bool `toml:"development" json:"development"`
	// DisableCaller stops annotating logs with the calling function's file name and line number.
	DisableCaller bool `toml:"disable-caller" json:"disable-caller"`
	// DisableStacktrace completely disables automatic stacktrace capturing.
	DisableStacktrace bool `toml:"disable-stacktrace" json:"disable-stacktrace"`
}
