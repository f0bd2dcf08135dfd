package mount

import "sync"

// keyMutex provides a lock per key to serialize mount operations per device.
type keyMutex struct {
	mutexes sync.Map
}

func newKeyMutex() *keyMutex {
	return &keyMutex{}
}

func (km *keyMutex) get(key string) *sync.Mutex {
	m, _ := km.mutexes.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}
