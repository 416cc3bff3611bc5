package classify

// Default rule sets. Upload and danger lists are disjoint.
var (
	DefaultAllowedUploadExts = []string{
		"jpg", "jpeg", "png", "gif", "webp",
		"pdf", "txt", "csv",
		"zip", "7z", "tar", "gz",
		"doc", "docx", "xls", "xlsx", "ppt", "pptx",
	}

	DefaultDangerousExts = []string{
		"php", "phtml", "php3", "php4", "php5", "php7", "php8", "phps", "phar",
		"cgi", "pl", "asp", "aspx", "jsp",
		"js", "mjs", "ts",
		"sh", "bash", "zsh", "ksh", "ps1", "bat", "cmd",
		"exe", "dll", "com", "msi", "scr",
		"go",
	}

	DefaultPreviewImageExts = []string{"jpg", "jpeg", "png", "gif", "webp"}

	DefaultHiddenNames = []string{".htaccess", ".env", ".env.local", ".git", ".gitignore", ".DS_Store"}

	DefaultDangerousMIMEPrefixes = []string{
		"application/x-php",
		"text/x-php",
		"application/x-sh",
		"text/x-shellscript",
		"application/x-msdownload",
		"application/x-executable",
	}
)

const DefaultPreviewMaxBytes = 8 << 20

// DefaultRules returns the built-in rules with dotfiles hidden.
func DefaultRules() Rules {
	return Rules{
		AllowedUploadExts:     append([]string(nil), DefaultAllowedUploadExts...),
		DangerousExts:         append([]string(nil), DefaultDangerousExts...),
		PreviewImageExts:      append([]string(nil), DefaultPreviewImageExts...),
		HiddenNames:           append([]string(nil), DefaultHiddenNames...),
		DangerousMIMEPrefixes: append([]string(nil), DefaultDangerousMIMEPrefixes...),
		HideDotfiles:          true,
		PreviewMaxBytes:       DefaultPreviewMaxBytes,
	}
}
