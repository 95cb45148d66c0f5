package dataset

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Cache layout: <cache_dir>/<source-name>/<deterministic-filename>. The
// filename is a pure function of the dataset's own filter parameters, so
// identical parameters always share a cache entry and differing parameters
// never collide.

// CachePath joins a source subdirectory and filename under the cache root.
func CachePath(cacheDir, source, filename string) string {
	return filepath.Join(cacheDir, source, filename)
}

// ParamsHash encodes arbitrary filter parameters to a short, collision-free
// cache-name component: the hex SHA-1 of their canonical JSON serialization.
func ParamsHash(params interface{}) string {
	raw, err := json.Marshal(params)
	if err != nil {
		// Filter parameters are plain value types; failing to serialize
		// them is a programming error.
		panic(fmt.Sprintf("unencodable cache parameters: %v", err))
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// CacheFresh reports whether a cached file exists and may be reused:
// false when the file is absent or when forceOverride demands a refresh.
func CacheFresh(path string, forceOverride bool) bool {
	if forceOverride {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
