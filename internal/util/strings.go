package util

import "strings"

func AsPtr[T any](v T) *T {
	return &v
}

// RepositoryDir returns the directory name git clone creates for a
// repository URL, e.g. "git@host:user/proj.git" -> "proj".
func RepositoryDir(repository string) string {
	dir := repository[strings.LastIndex(repository, "/")+1:]
	return strings.TrimSuffix(dir, ".git")
}

// SSHAddress appends the default SSH port when the hostname has none.
func SSHAddress(hostname string) string {
	if strings.Contains(hostname, ":") {
		return hostname
	}
	return hostname + ":22"
}

// BranchFromRef strips the "refs/heads/" prefix from a git ref. Refs
// that are not branch refs (tags, notes) are returned empty.
func BranchFromRef(ref string) string {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) {
		return ""
	}
	return strings.TrimPrefix(ref, prefix)
}
