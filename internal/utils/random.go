package utils

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/mozillazg/go-pinyin"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

var commonSurnames = []string{
	"王", "李", "张", "刘", "陈", "杨", "赵", "黄", "周", "吴",
	"徐", "孙", "胡", "朱", "高", "林", "何", "郭", "马", "罗",
}
var commonNameCharacters = []string{
	"伟", "强", "芳", "敏", "静", "丽", "刚", "杰", "娟", "勇",
	"艳", "涛", "明", "军", "磊", "洋", "勇", "霞", "飞", "玲",
	"超", "华", "平", "辉", "梅", "鑫", "龙", "鹏", "玉", "斌",
	"庆", "建", "丹", "彬", "凤", "旭", "宁", "乐", "成", "欣",
}

func GenerateRandomChineseName() string {
	surname := commonSurnames[rand.Intn(len(commonSurnames))]
	nameLength := rand.Intn(2) + 1
	name := ""

	for i := 0; i < nameLength; i++ {
		name += commonNameCharacters[rand.Intn(len(commonNameCharacters))]
	}
	return surname + name
}

var roles = []domain.Role{
	domain.RoleMember,
	domain.RoleAdmin,
}

func GenerateRandomRole() domain.Role {
	return roles[rand.Intn(len(roles))]
}

var digits = "0123456789"

func GenerateUsernameFromChineseName(chineseName string) string {
	pinyinArray := pinyin.LazyConvert(chineseName, nil)
	username := ""

	for _, pinyin := range pinyinArray {
		length := rand.Intn(len(pinyin)) + 1
		username += pinyin[:length]
	}

	digitsLength := rand.Intn(3) + 1
	for i := 0; i < digitsLength; i++ {
		username += string(digits[rand.Intn(len(digits))])
	}

	return username
}

func GenerateRandomUser(password string, emailDomainName string) (*domain.User, error) {
	fullName := GenerateRandomChineseName()
	username := GenerateUsernameFromChineseName(fullName)
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		Username:     username,
		PasswordHash: string(passwordHash),
		FullName:     fullName,
		Email:        username + "@" + emailDomainName,
		Role:         GenerateRandomRole(),
	}

	return user, nil
}

var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*")

func GenerateRandomPassword(length int) string {
	random_password := make([]rune, length)
	for i := range random_password {
		random_password[i] = letters[rand.Intn(len(letters))]
	}
	return string(random_password)
}

var demoRules = []string{
	"FREQ=WEEKLY;BYDAY=MO,WE,FR",
	"FREQ=WEEKLY;BYDAY=TU,TH",
	"FREQ=WEEKLY;INTERVAL=2;BYDAY=MO",
	"FREQ=DAILY;COUNT=30",
	"FREQ=MONTHLY;BYMONTHDAY=1",
}

func GenerateRandomRule() string {
	return demoRules[rand.Intn(len(demoRules))]
}

var demoColors = []string{"#f44336", "#2196f3", "#4caf50", "#ff9800", "#9c27b0"}

func GenerateRandomColor() string {
	return demoColors[rand.Intn(len(demoColors))]
}

// GenerateRandomAnchor 返回最近一周内某天的整点作为系列锚点
func GenerateRandomAnchor() time.Time {
	daysAgo := rand.Intn(7)
	hour := rand.Intn(12) + 8 // 8 点到 19 点之间

	now := time.Now().UTC()
	anchor := now.AddDate(0, 0, -daysAgo)
	return time.Date(anchor.Year(), anchor.Month(), anchor.Day(), hour, 0, 0, 0, time.UTC)
}

var demoTitles = []string{"周例会", "组会", "实验室预约", "自习室预约", "值班交接"}

// GenerateRandomBookingTemplate 生成演示用的预订模板
func GenerateRandomBookingTemplate(resourceID int64, owner string) map[string]any {
	return map[string]any{
		"resource_id": resourceID,
		"title":       fmt.Sprintf("%s-%03d", demoTitles[rand.Intn(len(demoTitles))], rand.Intn(1000)),
		"notes":       "种子数据",
		"created_by":  owner,
	}
}
