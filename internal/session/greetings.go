// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"math/rand"
	"time"
)

// Fixed utterances of the call lifecycle.
const (
	// farewellReply is spoken when the user says the termination phrase.
	farewellReply = "그랜비 통화를 종료합니다. 감사합니다. 좋은 하루 보내세요!"

	// maxTimeNotice is spoken when the recognizer warns that the session
	// cap is near, right before controlled shutdown.
	maxTimeNotice = "오늘 대화 시간이 다 되었어요. 잠시 후 통화가 마무리됩니다."
)

var (
	morningGreetings = []string{
		"좋은 아침이에요, 어르신! 그랜비예요. 간밤에 잘 주무셨어요?",
		"안녕하세요, 어르신. 그랜비예요. 아침은 드셨어요?",
	}
	afternoonGreetings = []string{
		"안녕하세요, 어르신! 그랜비예요. 점심은 맛있게 드셨어요?",
		"어르신, 안녕하세요. 그랜비예요. 오늘 하루 어떻게 보내고 계세요?",
	}
	eveningGreetings = []string{
		"안녕하세요, 어르신. 그랜비예요. 저녁은 드셨어요?",
		"어르신, 좋은 저녁이에요. 그랜비예요. 오늘 하루는 어떠셨어요?",
	}
)

// greetingFor picks a time-of-day-aware opening line in Korean local time.
func greetingFor(now time.Time) string {
	if loc, err := time.LoadLocation("Asia/Seoul"); err == nil {
		now = now.In(loc)
	}
	var pool []string
	switch hour := now.Hour(); {
	case hour >= 5 && hour < 12:
		pool = morningGreetings
	case hour >= 12 && hour < 18:
		pool = afternoonGreetings
	default:
		pool = eveningGreetings
	}
	return pool[rand.Intn(len(pool))]
}
