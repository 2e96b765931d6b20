package impl

import (
	"strings"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
)

// illegalFilenameChars are replaced by '_' in cache file names.
const illegalFilenameChars = "?*:/\\^|<>\"'"

// CacheFilename derives the name of the cache file (without directory) from a source path.
// Characters that are not allowed in file names are replaced with '_'.
//
// Example: /games/disc.iso -> _games_disc.iso.blkc
func CacheFilename(path string) string {
	var sb strings.Builder
	sb.Grow(len(path) + len(interf.CacheFileExt))

	for _, c := range path {
		if strings.ContainsRune(illegalFilenameChars, c) {
			sb.WriteByte('_')
		} else {
			sb.WriteRune(c)
		}
	}
	sb.WriteString(interf.CacheFileExt)
	return sb.String()
}

// isCacheFilename reports whether a file name belongs to a cache file.
func isCacheFilename(name string) bool {
	return len(name) > len(interf.CacheFileExt) && strings.HasSuffix(name, interf.CacheFileExt)
}
