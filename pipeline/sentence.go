package pipeline

import "strings"

// 句末标点。增量文本在这些符号处切句，切出的句子立即送往 TTS，
// 不等待整段回复生成完毕。
var sentenceTerminators = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true,
	'…': true, ';': true, '；': true,
	'\n': true,
}

// sentenceSplitter 把 LLM 的增量碎片重组为完整句子。
// 非并发安全：一个 splitter 只服务一路回复流。
type sentenceSplitter struct {
	buf strings.Builder
}

func newSentenceSplitter() *sentenceSplitter {
	return &sentenceSplitter{}
}

// Feed 追加一个增量碎片，返回其中完成的句子（可能为空）。
func (s *sentenceSplitter) Feed(delta string) []string {
	var out []string
	for _, r := range delta {
		s.buf.WriteRune(r)
		if sentenceTerminators[r] {
			if sentence := strings.TrimSpace(s.buf.String()); sentence != "" {
				out = append(out, sentence)
			}
			s.buf.Reset()
		}
	}
	return out
}

// Flush 返回缓冲中未以句末标点结束的尾部文本。流结束时调用一次。
func (s *sentenceSplitter) Flush() string {
	tail := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return tail
}
