package mtproto

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestUsernameFromLink(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://t.me/golang", "golang"},
		{"t.me/golang/", "golang"},
		{"@golang", "golang"},
		{"telegram.me/golang", "golang"},
		{"https://t.me/golang/123", "golang"},
	}
	for _, c := range cases {
		got, err := usernameFromLink(c.in)
		if err != nil {
			t.Fatalf("usernameFromLink(%q): не ожидали ошибку: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("usernameFromLink(%q) = %q, ожидали %q", c.in, got, c.want)
		}
	}
}

func TestUsernameFromLinkRejectsInvites(t *testing.T) {
	for _, link := range []string{"https://t.me/+AbCdEf", "t.me/joinchat/AbCdEf", ""} {
		if _, err := usernameFromLink(link); err == nil {
			t.Fatalf("ссылка %q должна быть отклонена", link)
		}
	}
}

func TestDescribeMediaVideoAndVoice(t *testing.T) {
	video := &tg.MessageMediaDocument{}
	video.Document = &tg.Document{
		Size:       1000,
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{}},
	}
	info := describeMedia(video)
	if info.mediaType != "video" || !info.videoOrVoice {
		t.Fatalf("видео распознано неверно: %+v", info)
	}

	voice := &tg.MessageMediaDocument{}
	voice.Document = &tg.Document{
		Size:       1000,
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Voice: true}},
	}
	info = describeMedia(voice)
	if info.mediaType != "voice" || !info.videoOrVoice {
		t.Fatalf("голосовое распознано неверно: %+v", info)
	}

	music := &tg.MessageMediaDocument{}
	music.Document = &tg.Document{
		Size:       1000,
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{}},
	}
	info = describeMedia(music)
	if info.mediaType != "audio" || info.videoOrVoice {
		t.Fatalf("музыка не должна считаться голосовым: %+v", info)
	}
}

func TestDescribeMediaDocumentName(t *testing.T) {
	doc := &tg.MessageMediaDocument{}
	doc.Document = &tg.Document{
		Size: 2048,
		Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeFilename{FileName: "отчёт 2025.pdf"},
		},
	}
	info := describeMedia(doc)
	if info.mediaType != "document" || info.size != 2048 || info.name != "отчёт 2025.pdf" {
		t.Fatalf("документ распознан неверно: %+v", info)
	}
	if handleName := mediaFileName(7, mediaHandle{loc: info.loc, name: info.name, mediaType: info.mediaType}); handleName != "7_______2025.pdf" {
		t.Fatalf("имя файла вложения собрано неверно: %q", handleName)
	}
}

func TestDescribeMediaPhotoLargestSize(t *testing.T) {
	photo := &tg.MessageMediaPhoto{}
	photo.Photo = &tg.Photo{
		ID:         1,
		AccessHash: 2,
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "s", Size: 100},
			&tg.PhotoSize{Type: "y", Size: 50000},
			&tg.PhotoSizeProgressive{Type: "w", Sizes: []int{10, 40000}},
		},
	}
	info := describeMedia(photo)
	if info.mediaType != "photo" || info.size != 50000 {
		t.Fatalf("ожидали крупнейший размер 50000, получили %+v", info)
	}
	loc, ok := info.loc.(*tg.InputPhotoFileLocation)
	if !ok || loc.ThumbSize != "y" {
		t.Fatalf("локация фото должна указывать на крупнейший размер: %+v", info.loc)
	}
}
