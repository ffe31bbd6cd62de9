// internal/upstream/client_test.go
// Package upstream provides unit tests for shared asset handling.
package upstream

import "testing"

// TestExtractAssetsShapes verifies result-payload parsing across the
// images-array and single-image shapes.
func TestExtractAssetsShapes(t *testing.T) {
	assets := ExtractAssets([]byte(`{"images":[{"url":"https://cdn.example/a.png"},{"content":"AAAA","content_type":"image/jpeg"}]}`))
	if len(assets) != 2 {
		t.Fatalf("asset count: got %d want 2 (%v)", len(assets), assets)
	}
	if assets[0].URL != "https://cdn.example/a.png" || assets[1].Content != "AAAA" {
		t.Errorf("assets out of order or mangled: %v", assets)
	}

	single := ExtractAssets([]byte(`{"image":{"url":"https://cdn.example/only.png"}}`))
	if len(single) != 1 || single[0].URL != "https://cdn.example/only.png" {
		t.Errorf("single image shape: got %v", single)
	}

	if got := ExtractAssets(nil); got != nil {
		t.Errorf("empty payload: got %v want nil", got)
	}
	if got := ExtractAssets([]byte(`not json`)); got != nil {
		t.Errorf("malformed payload: got %v want nil", got)
	}
}

// TestExtractAssetsDropsUnrenderableEntries verifies that entries with
// neither a URL nor inline content are filtered, so every extracted
// asset produces a non-empty reference.
func TestExtractAssetsDropsUnrenderableEntries(t *testing.T) {
	assets := ExtractAssets([]byte(`{"images":[{"url":"https://cdn.example/a.png"},{"width":512,"height":512},{"content":"BBBB"}]}`))
	if len(assets) != 2 {
		t.Fatalf("asset count: got %d want 2 (%v)", len(assets), assets)
	}
	for i, a := range assets {
		if a.Ref() == "" {
			t.Errorf("asset %d has an empty reference: %+v", i, a)
		}
	}
	if assets[0].URL != "https://cdn.example/a.png" || assets[1].Content != "BBBB" {
		t.Errorf("surviving entries out of order: %v", assets)
	}
}
