package taxchat

var Version = "v0.1.0"
