package counter

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRoll(t *testing.T) {
	c := New(0)

	c.Record("1.1.1.1")
	c.Record("1.1.1.1")
	c.Record("2.2.2.2")

	assert.Equal(t, int64(3), c.Current())

	total, perIP := c.Roll()
	require.Equal(t, int64(3), total)
	assert.Equal(t, int64(2), perIP["1.1.1.1"])
	assert.Equal(t, int64(1), perIP["2.2.2.2"])
}

func TestRollResetsCurrentSecond(t *testing.T) {
	c := New(4)
	c.Record("1.1.1.1")
	c.Roll()

	assert.Equal(t, int64(0), c.Current())
	total, perIP := c.Roll()
	assert.Equal(t, int64(0), total)
	assert.Empty(t, perIP)
}

func BenchmarkRecord(b *testing.B) {
	c := New(0)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			c.Record(fmt.Sprintf("10.0.%d.%d", i%256, (i/256)%256))
			i++
		}
	})
}

func TestConcurrentRecord(t *testing.T) {
	c := New(0)
	const goroutines = 16
	const perGoroutine = 500

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.0.0.%d", g)
			for i := 0; i < perGoroutine; i++ {
				c.Record(ip)
			}
		}(g)
	}
	wg.Wait()

	total, perIP := c.Roll()
	require.Equal(t, int64(goroutines*perGoroutine), total)
	require.Len(t, perIP, goroutines)
	for _, n := range perIP {
		assert.Equal(t, int64(perGoroutine), n)
	}
}
