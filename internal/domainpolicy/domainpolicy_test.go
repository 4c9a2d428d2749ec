package domainpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
)

func TestCheck_BlockedDomain(t *testing.T) {
	blocked := NewBlockedSet()
	p := New(blocked)

	reason := p.Check("https://www.amazon.com.br/produto/123")
	assert.Equal(t, models.FailureBlockedDomain, reason)
}

func TestCheck_ForeignDomainRejectedUnlessAllowlisted(t *testing.T) {
	blocked := NewBlockedSet()
	p := New(blocked)

	assert.Equal(t, models.FailureForeignDomain, p.Check("https://www.randomstore.com/item/1"))
	assert.Equal(t, models.FailureForeignDomain, p.Check("https://shop.example.co/item/1"))
}

func TestCheck_ForeignManufacturerAllowlisted(t *testing.T) {
	blocked := NewBlockedSet()
	p := New(blocked)

	assert.Equal(t, models.FailureReason(""), p.Check("https://www.dell.com/produto/abc"))
}

func TestCheck_ListingURLRejected(t *testing.T) {
	blocked := NewBlockedSet()
	p := New(blocked)

	assert.Equal(t, models.FailureListingURL, p.Check("https://loja.com.br/busca/notebook"))
	assert.Equal(t, models.FailureListingURL, p.Check("https://loja.com.br/produtos?q=notebook"))
	assert.Equal(t, models.FailureListingURL, p.Check("https://buscape.com.br/notebook/dell"))
}

func TestCheck_AcceptsCleanDomesticProductURL(t *testing.T) {
	blocked := NewBlockedSet()
	p := New(blocked)

	assert.Equal(t, models.FailureReason(""), p.Check("https://loja.com.br/produto/notebook-dell-123"))
}

func TestCheck_DuplicateDomainAfterAccept(t *testing.T) {
	blocked := NewBlockedSet()
	p := New(blocked)

	url := "https://loja.com.br/produto/notebook-dell-123"
	assert.Equal(t, models.FailureReason(""), p.Check(url))

	p.MarkAccepted(url)

	assert.Equal(t, models.FailureDuplicateURL, p.Check("https://loja.com.br/produto/outro-item"))
}

func TestIsBlocked_SuffixMatch(t *testing.T) {
	blocked := NewBlockedSet()
	assert.True(t, blocked.IsBlocked("www.amazon.com.br"))
	assert.True(t, blocked.IsBlocked("amazon.com.br"))
	assert.False(t, blocked.IsBlocked("notamazon.com.br"))
}

func TestReplace_SwapsEntireSet(t *testing.T) {
	blocked := NewBlockedSet()
	blocked.Replace([]string{"onlyme.com.br"})

	assert.False(t, blocked.IsBlocked("amazon.com.br"))
	assert.True(t, blocked.IsBlocked("onlyme.com.br"))
}
