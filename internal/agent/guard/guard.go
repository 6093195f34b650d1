// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_agent_guard is the deterministic filter every assistant
// reply passes through before it reaches the dialogue history or the
// synthesizer. It keeps replies short and phone-friendly, replaces unsafe
// generations with empathetic fallbacks, and turns a user's wish to hang up
// into an explicit confirmation step.
package internal_agent_guard

import (
	"math/rand"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rapidaai/carecall/pkg/utils"
)

// Result of refining one assistant reply.
type Result struct {
	Text string

	// EndIntent is set when the user asked to end the call; Text then holds
	// the confirm-to-end utterance instead of the model's reply.
	EndIntent bool

	// Replaced is set when a forbidden pattern was found and Text was drawn
	// from a fallback pool.
	Replaced bool
}

// MaxSentences bounds a spoken reply; callers streaming sentence-by-sentence
// apply the same cap before synthesis.
const MaxSentences = 2

// maxRunes bounds a single reply in runes.
const maxRunes = 60

// TerminationPhrase ends the call when spoken verbatim by the user.
const TerminationPhrase = "그랜비 통화를 종료합니다"

// confirmEndReply asks the user to confirm hanging up.
const confirmEndReply = "통화를 마치고 싶으시면 '그랜비 통화를 종료합니다'라고 말씀해 주세요."

var terminalRunes = map[rune]struct{}{
	'.': {}, '!': {}, '?': {}, '。': {}, '！': {}, '？': {}, '…': {},
}

// ----------------------------------------------------------------------------
// Forbidden patterns, grouped so each group can fall back in kind
// ----------------------------------------------------------------------------

type forbiddenGroup struct {
	patterns  []*regexp.Regexp
	fallbacks []string
}

var forbiddenGroups = []forbiddenGroup{
	{
		// Bot-like self-disclosure.
		patterns: compile(
			`인공\s?지능`, `\bAI\b`, `챗봇`, `프로그램`, `시스템`, `언어\s?모델`, `어시스턴트`,
		),
		fallbacks: []string{
			"네, 말씀 잘 듣고 있어요. 더 들려주세요.",
			"그러셨군요. 이야기 나누니 참 좋아요.",
			"네네, 어르신 말씀이 제일 재미있어요.",
		},
	},
	{
		// Self-initiated call closing.
		patterns: compile(
			`(통화|전화|대화)를?\s*(마치|끊|종료|마무리)`, `이만\s*끊`, `들어가\s*보세요`,
		),
		fallbacks: []string{
			"천천히 더 이야기해요. 시간 괜찮아요.",
			"저는 어르신 이야기 더 듣고 싶어요.",
		},
	},
	{
		// Financial or medical coercion.
		patterns: compile(
			`송금`, `계좌`, `투자`, `보험.*가입`, `결제`, `돈을\s*(보내|부치)`,
			`약을?\s*(드세요|드시|복용)`, `처방`, `병원에\s*꼭`,
		),
		fallbacks: []string{
			"건강 잘 챙기시고요, 오늘은 어떤 하루였는지 들려주세요.",
			"그건 가족분들과 상의해 보시면 좋겠어요. 식사는 하셨어요?",
		},
	},
	{
		// Abstract open questions.
		patterns: compile(
			`(인생|삶|행복|의미|꿈)[은는이가의]?\s*.*(무엇|뭐|어떤|어떻)`,
		),
		fallbacks: []string{
			"오늘 날씨는 어땠어요? 산책은 다녀오셨어요?",
			"요즘 입맛은 좀 어떠세요?",
		},
	},
	{
		// Third-person self-reference.
		patterns: compile(
			`그랜비[는가]\s`,
		),
		fallbacks: []string{
			"네, 저 여기 있어요. 말씀하세요.",
			"제가 잘 듣고 있어요.",
		},
	},
}

// ----------------------------------------------------------------------------
// End-intent detection on the user utterance
// ----------------------------------------------------------------------------

var endIntentPatterns = compile(
	// Explicit verbs.
	`끊(을래|고\s*싶|어\s*줘|어야)`,
	`그만\s*(할래|하고\s*싶|통화|이야기|얘기)`,
	`(통화|전화)[를은\s]*\s*(끊|그만|종료|마치)`,
	// Nuanced forms: excusing oneself, deferring to next time.
	`(이제|인제)\s*(가\s*볼게|들어가\s*볼게|쉴래|자야)`,
	`나중에\s*(통화|전화|이야기|얘기)`,
	`다음에\s*(통화|전화|이야기|얘기)`,
	`바빠서\s*(이만|그만)`,
)

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// pick is injectable for deterministic tests.
var pick = func(pool []string) string {
	return pool[rand.Intn(len(pool))]
}

// HasEndIntent reports whether the user utterance asks to end the call.
func HasEndIntent(userText string) bool {
	for _, re := range endIntentPatterns {
		if re.MatchString(userText) {
			return true
		}
	}
	return false
}

// IsTerminationPhrase reports the verbatim hang-up keyword.
func IsTerminationPhrase(userText string) bool {
	return strings.TrimSpace(userText) == TerminationPhrase
}

// Refine applies the full post-processing contract to one model reply.
func Refine(userText, reply string) Result {
	if HasEndIntent(userText) {
		return Result{Text: confirmEndReply, EndIntent: true}
	}

	// Streamed deltas frequently carry stray whitespace around sentence
	// boundaries.
	reply = utils.CompactSpaces(reply)

	for _, group := range forbiddenGroups {
		for _, re := range group.patterns {
			if re.MatchString(reply) {
				return Result{Text: Truncate(pick(group.fallbacks)), Replaced: true}
			}
		}
	}

	return Result{Text: Truncate(reply)}
}

// Truncate bounds a reply to MaxSentences sentences or maxRunes runes,
// whichever cuts first, and guarantees terminal punctuation.
func Truncate(reply string) string {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return reply
	}

	// Keep at most MaxSentences sentences.
	var sb strings.Builder
	sentences := 0
	for _, r := range reply {
		sb.WriteRune(r)
		if _, terminal := terminalRunes[r]; terminal {
			sentences++
			if sentences >= MaxSentences {
				break
			}
		}
	}
	out := strings.TrimSpace(sb.String())

	// Rune cap.
	if utf8.RuneCountInString(out) > maxRunes {
		out = strings.TrimSpace(utils.TrimToRunes(out, maxRunes))
	}

	// Guarantee terminal punctuation.
	last, _ := utf8.DecodeLastRuneInString(out)
	if _, terminal := terminalRunes[last]; !terminal {
		out += "."
	}
	return out
}
