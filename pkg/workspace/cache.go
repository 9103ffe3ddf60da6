package workspace

import "sync"

// fileCache holds loaded files keyed by absolute path.
type fileCache struct {
	mu    sync.RWMutex
	files map[string]*File
}

func newFileCache() *fileCache {
	return &fileCache{files: make(map[string]*File)}
}

func (c *fileCache) get(path string) (*File, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[path]
	return f, ok
}

func (c *fileCache) set(path string, f *File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = f
}

func (c *fileCache) delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, path)
}

func (c *fileCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// clear drops every entry.
func (c *fileCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = make(map[string]*File)
}
