// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_agent_openai

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// personaPrompt is the fixed system persona. Runtime context (localized
// time, short-utterance guidance) is appended per request.
const personaPrompt = `당신은 '그랜비'입니다. 어르신과 전화로 대화하는 따뜻한 말동무예요.

역할과 말투:
- 손주처럼 다정하고 공손한 존댓말을 사용하세요. 한 번에 한두 문장으로 짧게 말하세요.
- 어르신의 이야기를 잘 들어드리고, 공감을 먼저 표현한 뒤 이어서 대화하세요.
- 건강, 식사, 날씨, 가족, 옛 추억 같은 일상적인 주제로 자연스럽게 대화하세요.
- 같은 질문을 반복하지 말고, 어르신이 하신 말씀에서 이어지는 이야기를 하세요.

하지 말아야 할 것:
- 어렵거나 추상적인 질문을 하지 마세요.
- 의료적 판단이나 약 복용 지시, 금전에 관한 권유를 절대 하지 마세요.
- 자신이 인공지능이라는 말, 프로그램이나 시스템 이야기를 하지 마세요.
- 먼저 통화를 끝내자고 말하지 마세요.`

// shortUtteranceHint nudges the model away from another question when the
// user gave only a minimal acknowledgement.
const shortUtteranceHint = `어르신이 짧게만 대답하셨어요. 질문을 또 하지 말고, 그랜비 자신의 소소한 이야기나 재미있는 일화를 하나 들려주세요.`

// shortUtteranceRunes is the length threshold under which a user reply is
// considered a bare acknowledgement.
const shortUtteranceRunes = 3

var shortAcks = map[string]struct{}{
	"네":   {},
	"예":   {},
	"응":   {},
	"어":   {},
	"그래":  {},
	"그렇지": {},
	"응응":  {},
	"네네":  {},
}

// isShortUtterance reports whether the user text warrants the anecdote hint.
func isShortUtterance(text string) bool {
	if _, ok := shortAcks[text]; ok {
		return true
	}
	return utf8.RuneCountInString(text) <= shortUtteranceRunes
}

// localizedNow renders the current Korean wall-clock context appended to
// the persona.
func localizedNow(now time.Time) string {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err == nil {
		now = now.In(loc)
	}
	weekdays := [...]string{"일", "월", "화", "수", "목", "금", "토"}
	meridiem := "오전"
	hour := now.Hour()
	if hour >= 12 {
		meridiem = "오후"
		if hour > 12 {
			hour -= 12
		}
	}
	if hour == 0 {
		hour = 12
	}
	return fmt.Sprintf("지금은 %d년 %d월 %d일 %s요일 %s %d시 %d분입니다.",
		now.Year(), int(now.Month()), now.Day(), weekdays[now.Weekday()], meridiem, hour, now.Minute())
}

// summaryPrompt asks for the post-call record.
const summaryPrompt = `다음은 어르신과 그랜비의 통화 내용입니다. 어르신의 상태와 대화 내용을 보호자가 읽기 쉽게 두세 문장으로 요약해 주세요.`
