package id

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	assert.NotEqual(t, id1.String(), id2.String())
}

func TestGenerateString(t *testing.T) {
	gen := NewGenerator()

	assert.Len(t, gen.GenerateString(), 26)
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{SessionPrefix, RequestPrefix, ClientPrefix} {
		t.Run(prefix, func(t *testing.T) {
			id := gen.GenerateWithPrefix(prefix)

			require.True(t, strings.HasPrefix(id, prefix+"_"), id)
			parts := strings.Split(id, "_")
			require.Len(t, parts, 2)
			_, err := ulid.Parse(parts[1])
			assert.NoError(t, err)
		})
	}
}

func TestTypedIDGeneration(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewSessionID().String(), "sess_"))
	assert.True(t, strings.HasPrefix(NewRequestID().String(), "req_"))
	assert.True(t, strings.HasPrefix(NewClientID().String(), "cli_"))
}

func TestSessionIDCarriesCreationTime(t *testing.T) {
	before := time.Now().Add(-time.Second)

	parsed, err := ulid.Parse(strings.TrimPrefix(NewSessionID().String(), SessionPrefix+"_"))
	require.NoError(t, err)

	ts := ulid.Time(parsed.Time())
	assert.True(t, ts.After(before))
	assert.True(t, ts.Before(time.Now().Add(time.Second)))
}

func TestSessionIDsSortByCreation(t *testing.T) {
	first := NewSessionID()
	time.Sleep(2 * time.Millisecond)
	second := NewSessionID()

	assert.Less(t, first.String(), second.String())
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()
	const workers, perWorker = 8, 200

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s := gen.GenerateString()
				mu.Lock()
				seen[s] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"sess_01HZX", true},
		{"repo-42.main", true},
		{"", false},
		{"has space", false},
		{"../etc", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidSessionID(tt.in), tt.in)
	}
}
