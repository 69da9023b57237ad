package refresh

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snipbox/internal/composer"
)

func TestApplyStrictlyIncreasing(t *testing.T) {
	c := NewController()

	var handles []Handle
	for i := 0; i < 10; i++ {
		m := c.Apply(composer.Compose(fmt.Sprintf("<div>%d</div>", i), "", ""))
		require.True(t, m.Remounted)
		handles = append(handles, m.Handle)
	}

	require.Len(t, handles, 10)
	for i := 1; i < len(handles); i++ {
		assert.Greater(t, handles[i], handles[i-1])
	}
}

func TestApplyEqualContentSkips(t *testing.T) {
	c := NewController()
	doc := composer.Compose("<div>A</div>", "", "")

	first := c.Apply(doc)
	second := c.Apply(doc)

	assert.True(t, first.Remounted)
	assert.False(t, second.Remounted)
	assert.Equal(t, first.Handle, second.Handle)
	assert.Equal(t, Handle(1), c.Handle())
}

func TestApplyAlwaysRemount(t *testing.T) {
	c := NewController(WithAlwaysRemount())
	doc := composer.Compose("<div>A</div>", "", "")

	first := c.Apply(doc)
	second := c.Apply(doc)

	assert.True(t, second.Remounted)
	assert.Greater(t, second.Handle, first.Handle)
}

func TestApplyRevertedContentRemounts(t *testing.T) {
	c := NewController()
	a := composer.Compose("<div>A</div>", "", "")
	b := composer.Compose("<div>B</div>", "", "")

	h1 := c.Apply(a).Handle
	h2 := c.Apply(b).Handle
	h3 := c.Apply(a)

	// going back to earlier content is still a change
	assert.True(t, h3.Remounted)
	assert.Less(t, h1, h2)
	assert.Less(t, h2, h3.Handle)
}

func TestObserversSeeEveryRemountInOrder(t *testing.T) {
	var seen []Handle
	c := NewController(WithObserver(func(m Mount) { seen = append(seen, m.Handle) }), WithObserver(nil))

	c.Apply("a")
	c.Apply("a")
	c.Apply("b")
	c.Apply("c")

	assert.Equal(t, []Handle{1, 2, 3}, seen)
}

func TestCurrent(t *testing.T) {
	c := NewController(WithStartHandle(41))

	_, ok := c.Current()
	assert.False(t, ok)

	c.Apply("doc")
	m, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, Handle(42), m.Handle)
	assert.Equal(t, composer.Document("doc"), m.Document)
	assert.False(t, m.Remounted)
}

func TestConcurrentApplyProducesUniqueOrderedHandles(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Handle
	)
	c := NewController(WithObserver(func(m Mount) {
		mu.Lock()
		seen = append(seen, m.Handle)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Apply(composer.Document(fmt.Sprintf("doc-%d", i)))
		}(i)
	}
	wg.Wait()

	// consecutive distinct documents, so every call remounted
	require.Len(t, seen, 50)
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, seen[i-1]+1, seen[i])
	}
}
