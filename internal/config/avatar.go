package config

import (
	"bufio"
	"os"
	"regexp"
)

var avatarLine = regexp.MustCompile(`^export ([^=]*)="(.*)"$`)

// LoadAvatar parses the shell-style branding file of the install media.
// Unreadable files yield an empty map.
func LoadAvatar(path string) map[string]string {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if m := avatarLine.FindStringSubmatch(sc.Text()); m != nil {
			out[m[1]] = m[2]
		}
	}
	return out
}
