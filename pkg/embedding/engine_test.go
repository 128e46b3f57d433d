package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/kasuganosora/ldm/pkg/types"
)

// dot 内积
func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// TestTokenize 测试通用分词
func TestTokenize(t *testing.T) {
	t.Run("latin_words_lowercased", func(t *testing.T) {
		got := Tokenize("Hello, World 42")
		want := []string{"hello", "world", "42"}
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("token %d: expected %q, got %q", i, want[i], got[i])
			}
		}
	})

	t.Run("hangul_kept_as_words", func(t *testing.T) {
		got := Tokenize("저장 완료")
		if len(got) != 2 || got[0] != "저장" || got[1] != "완료" {
			t.Errorf("unexpected tokens: %v", got)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if got := Tokenize(""); len(got) != 0 {
			t.Errorf("expected no tokens, got %v", got)
		}
	})

	t.Run("symbols_only", func(t *testing.T) {
		if got := Tokenize("!!! ..."); len(got) != 0 {
			t.Errorf("expected no tokens, got %v", got)
		}
	})
}

// TestEngines 两种引擎的公共性质
func TestEngines(t *testing.T) {
	engines := []types.EngineKind{types.EngineFast, types.EngineDeep}

	for _, kind := range engines {
		t.Run(string(kind), func(t *testing.T) {
			eng, err := NewEngine(kind)
			if err != nil {
				t.Fatalf("NewEngine failed: %v", err)
			}

			t.Run("deterministic", func(t *testing.T) {
				vecs, err := eng.EmbedBatch(context.Background(), []string{"Hello, world", "Hello, world"})
				if err != nil {
					t.Fatalf("EmbedBatch failed: %v", err)
				}
				if got := dot(vecs[0], vecs[1]); math.Abs(got-1.0) > 1e-6 {
					t.Errorf("identical texts should embed identically, dot=%f", got)
				}
			})

			t.Run("unit_norm", func(t *testing.T) {
				vecs, err := eng.EmbedBatch(context.Background(), []string{"Save", "저장 완료", "{0} items"})
				if err != nil {
					t.Fatalf("EmbedBatch failed: %v", err)
				}
				for i, v := range vecs {
					if len(v) != eng.Dimension() {
						t.Fatalf("vector %d: expected dim %d, got %d", i, eng.Dimension(), len(v))
					}
					if norm := dot(v, v); math.Abs(norm-1.0) > 1e-5 {
						t.Errorf("vector %d not unit norm: %f", i, norm)
					}
				}
			})

			t.Run("similar_beats_dissimilar", func(t *testing.T) {
				vecs, err := eng.EmbedBatch(context.Background(), []string{
					"Hello, world",
					"hello world!",
					"완전히 다른 문장입니다",
				})
				if err != nil {
					t.Fatalf("EmbedBatch failed: %v", err)
				}
				simClose := dot(vecs[0], vecs[1])
				simFar := dot(vecs[0], vecs[2])
				if simClose <= simFar {
					t.Errorf("expected close pair to score higher: close=%f far=%f", simClose, simFar)
				}
				if simClose < 0.80 {
					t.Errorf("near-identical pair below similarity floor: %f", simClose)
				}
			})

			t.Run("empty_text_zero_vector", func(t *testing.T) {
				vecs, err := eng.EmbedBatch(context.Background(), []string{""})
				if err != nil {
					t.Fatalf("EmbedBatch failed: %v", err)
				}
				if norm := dot(vecs[0], vecs[0]); norm != 0 {
					t.Errorf("empty text should embed to zero vector, norm=%f", norm)
				}
			})

			t.Run("cancelled_context", func(t *testing.T) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				if _, err := eng.EmbedBatch(ctx, []string{"x"}); err == nil {
					t.Error("expected error from cancelled context")
				}
			})
		})
	}
}

// TestNewEngineUnknown 未知引擎类型报错
func TestNewEngineUnknown(t *testing.T) {
	if _, err := NewEngine(types.EngineKind("gpt")); err == nil {
		t.Error("expected error for unknown engine kind")
	}
}
