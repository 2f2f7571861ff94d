package service

import (
	"fmt"

	"github.com/sakif/damaijiwa/internal/model"
)

const (
	// FallbackReply is persisted as the model turn when the generator fails.
	FallbackReply = "Maaf, ada gangguan koneksi. Mari kita coba lagi."
	// EmptyReply is used when the generator answers with no text at all.
	EmptyReply = "Maaf, saya sedang merenung sejenak. Bisa ulangi lagi?"
)

const personaTemplate = `Anda adalah seorang psikolog profesional yang hangat, empati, dan fokus pada problem solving.
Anda sedang membantu user dalam kategori: %s.

Tujuan Anda:
1. Membantu user merasa didengar dan divalidasi.
2. Menggali akar masalah dengan pertanyaan yang lembut namun tepat sasaran.
3. Memberikan langkah-langkah praktis (problem solving) untuk berdamai dengan situasi tersebut.
4. Gunakan gaya bahasa yang santai, "casual friendly", seperti teman yang bijak namun tetap profesional.
5. Hindari jawaban yang terlalu panjang. Berikan satu atau dua paragraf singkat dan satu pertanyaan reflektif untuk melanjutkan "permainan" percakapan ini.
6. Gunakan analogi yang menenangkan jika perlu.

Konteks: Ini adalah web interaktif seperti game. Jadikan percakapan ini seperti sebuah perjalanan (journey) menuju kedamaian diri.`

// PersonaInstruction is the system instruction for a category.
// The category is the only thing that varies between conversations.
func PersonaInstruction(category model.Category) string {
	return fmt.Sprintf(personaTemplate, category)
}

// GreetingPrompt is the synthetic first user message that opens a journey.
// It is sent to the generator but never stored.
func GreetingPrompt(category model.Category) string {
	return fmt.Sprintf("Halo, saya memilih kategori %s. Bisa bantu saya memulai perjalanan untuk berdamai dengan masalah ini?", category)
}
