package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextIDUnique(t *testing.T) {
	Init(1)

	const n = 10000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, n)
		wg   sync.WaitGroup
	)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/4; j++ {
				id := NextID()
				mu.Lock()
				_, dup := seen[id]
				seen[id] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "ID 重复: %d", id)
			}
		}()
	}
	wg.Wait()
}

func TestGenerateTransferNo(t *testing.T) {
	no1 := GenerateTransferNo()
	no2 := GenerateTransferNo()

	assert.True(t, strings.HasPrefix(no1, "TRF"))
	assert.NotEqual(t, no1, no2, "单号兼作链上幂等令牌，必须唯一")

	req := GenerateRequestID()
	assert.True(t, strings.HasPrefix(req, "REQ"))
}
