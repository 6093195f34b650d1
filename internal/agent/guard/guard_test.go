// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_agent_guard

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func deterministicPick(t *testing.T) {
	t.Helper()
	prev := pick
	pick = func(pool []string) string { return pool[0] }
	t.Cleanup(func() { pick = prev })
}

func TestRefine_PassesCleanReplyThrough(t *testing.T) {
	res := Refine("오늘 날씨 좋네요", "그러게요, 산책하기 딱 좋은 날이에요.")
	assert.Equal(t, "그러게요, 산책하기 딱 좋은 날이에요.", res.Text)
	assert.False(t, res.Replaced)
	assert.False(t, res.EndIntent)
}

func TestRefine_TruncatesToTwoSentences(t *testing.T) {
	res := Refine("네", "첫 문장이에요. 둘째 문장이에요. 셋째는 잘립니다.")
	assert.Equal(t, "첫 문장이에요. 둘째 문장이에요.", res.Text)
}

func TestRefine_CapsLongSingleSentence(t *testing.T) {
	long := strings.Repeat("가", 90)
	res := Refine("네", long)
	assert.LessOrEqual(t, utf8.RuneCountInString(res.Text), maxRunes+1)
	assert.True(t, strings.HasSuffix(res.Text, "."), "truncation restores terminal punctuation")
}

func TestRefine_AppendsTerminalPunctuation(t *testing.T) {
	res := Refine("네", "마침표가 없네요")
	assert.Equal(t, "마침표가 없네요.", res.Text)
}

func TestRefine_ReplacesBotDisclosure(t *testing.T) {
	deterministicPick(t)
	res := Refine("너 누구야", "저는 인공지능이라서 감정이 없어요.")
	assert.True(t, res.Replaced)
	assert.Equal(t, "네, 말씀 잘 듣고 있어요. 더 들려주세요.", res.Text)
}

func TestRefine_ReplacesSelfInitiatedClosing(t *testing.T) {
	deterministicPick(t)
	res := Refine("응", "그럼 이제 통화를 마칠까요?")
	assert.True(t, res.Replaced)
	assert.Equal(t, "천천히 더 이야기해요. 시간 괜찮아요.", res.Text)
}

func TestRefine_ReplacesFinancialAdvice(t *testing.T) {
	deterministicPick(t)
	res := Refine("돈 얘기 좀", "그 계좌로 송금하시면 됩니다.")
	assert.True(t, res.Replaced)
}

func TestRefine_ReplacesMedicationInstruction(t *testing.T) {
	deterministicPick(t)
	res := Refine("머리가 아파", "그 약을 하루 세 번 복용하세요.")
	assert.True(t, res.Replaced)
}

func TestRefine_ReplacesAbstractQuestion(t *testing.T) {
	deterministicPick(t)
	res := Refine("글쎄", "어르신, 인생의 의미는 무엇이라고 생각하세요?")
	assert.True(t, res.Replaced)
}

func TestRefine_ReplacesThirdPersonSelfReference(t *testing.T) {
	deterministicPick(t)
	res := Refine("응", "그랜비는 어르신이 참 좋아요.")
	assert.True(t, res.Replaced)
	assert.Equal(t, "네, 저 여기 있어요. 말씀하세요.", res.Text)
}

func TestRefine_EndIntentOverridesReply(t *testing.T) {
	for _, utterance := range []string{
		"이제 전화 끊을래",
		"그만 얘기하고 싶어",
		"나중에 통화하자",
		"이제 가볼게",
		"바빠서 이만 끊어야겠어",
	} {
		res := Refine(utterance, "네, 알겠습니다.")
		assert.True(t, res.EndIntent, "utterance %q", utterance)
		assert.Equal(t, confirmEndReply, res.Text)
	}
}

func TestRefine_NoEndIntentOnOrdinaryTalk(t *testing.T) {
	for _, utterance := range []string{
		"오늘 병원에 다녀왔어",
		"전화기가 새로 생겼어",
		"손주가 놀러 왔었지",
	} {
		res := Refine(utterance, "그러셨군요.")
		assert.False(t, res.EndIntent, "utterance %q", utterance)
	}
}

func TestIsTerminationPhrase(t *testing.T) {
	assert.True(t, IsTerminationPhrase("그랜비 통화를 종료합니다"))
	assert.True(t, IsTerminationPhrase("  그랜비 통화를 종료합니다  "))
	assert.False(t, IsTerminationPhrase("그랜비 통화를 종료할까"))
}

func TestTruncate_EmptyStaysEmpty(t *testing.T) {
	assert.Equal(t, "", Truncate("   "))
}
